package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverablePath(t *testing.T) {
	cases := []struct {
		name   string
		prefix string
		kind   DeliverableKind
		id     string
		file   string
		want   string
	}{
		{name: "product", prefix: "downloads", kind: KindProduct, id: "prod123", file: "guide.pdf", want: "downloads/products/prod123/guide.pdf"},
		{name: "service default file", prefix: "/downloads/", kind: KindService, id: "astro-career", want: "downloads/services/astro-career/deliverable.pdf"},
		{name: "no prefix", kind: KindService, id: "tarot-reading", file: "r.pdf", want: "services/tarot-reading/r.pdf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DeliverablePath(tc.prefix, tc.kind, tc.id, tc.file)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeliverablePathRejectsTraversal(t *testing.T) {
	for _, id := range []string{"", "../etc", "a/b", `a\b`} {
		_, err := DeliverablePath("downloads", KindProduct, id, "f.pdf")
		assert.Error(t, err, id)
	}
	_, err := DeliverablePath("downloads", DeliverableKind("designs"), "x", "f.pdf")
	assert.Error(t, err)
}
