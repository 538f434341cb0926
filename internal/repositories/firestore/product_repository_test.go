package firestore

import (
	"reflect"
	"testing"

	domain "github.com/astroshop/api/internal/domain"
)

func TestMergeAdjustments(t *testing.T) {
	got := mergeAdjustments([]domain.StockAdjustment{
		{ProductID: "p1", Delta: -2},
		{ProductID: " p2 ", Delta: -1},
		{ProductID: "p1", Delta: -3},
		{ProductID: "p3", Delta: 4},
		{ProductID: "p3", Delta: -4},
		{ProductID: "", Delta: 9},
		{ProductID: "p4", Delta: 0},
	})
	want := []domain.StockAdjustment{{ProductID: "p1", Delta: -5}, {ProductID: "p2", Delta: -1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}
