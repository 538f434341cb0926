package storage

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func newTestClient(t *testing.T, signer *fakeSigner, now time.Time) *Client {
	t.Helper()
	client, err := NewClient("astroshop-downloads", signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	return client
}

func TestSignDownloadDefaultsToSevenDays(t *testing.T) {
	signer := &fakeSigner{email: "downloads@astroshop.iam.gserviceaccount.com"}
	now := time.Now().UTC().Truncate(time.Second)
	client := newTestClient(t, signer, now)

	res, err := client.SignDownload(context.Background(), "downloads/services/astro-career/deliverable.pdf", DownloadOptions{
		Query: map[string]string{"grant": "dlg_01HX"},
	})
	if err != nil {
		t.Fatalf("SignDownload returned error: %v", err)
	}
	if !res.ExpiresAt.Equal(now.Add(MaxDownloadExpiry)) {
		t.Fatalf("expected seven day expiry, got %v", res.ExpiresAt)
	}

	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("failed to parse signed URL: %v", err)
	}
	if !strings.Contains(parsed.Path, "astro-career/deliverable.pdf") {
		t.Fatalf("unexpected object path %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("grant") != "dlg_01HX" {
		t.Fatalf("expected grant token in query, got %s", parsed.RawQuery)
	}
	// X-Goog-Expires is derived by the storage library from the wall clock.
	if secs, err := strconv.Atoi(query.Get("X-Goog-Expires")); err != nil || secs <= 0 || secs > int(MaxDownloadExpiry/time.Second) {
		t.Fatalf("expected X-Goog-Expires within seven days, got %q", query.Get("X-Goog-Expires"))
	}
	if query.Get("X-Goog-Signature") == "" {
		t.Fatalf("expected signature in query: %s", parsed.RawQuery)
	}
	if len(signer.payloads) != 1 {
		t.Fatalf("expected signer to be invoked once, got %d", len(signer.payloads))
	}
}

func TestSignDownloadRejectsLongExpiry(t *testing.T) {
	client := newTestClient(t, &fakeSigner{email: "svc@example.com"}, time.Now())
	_, err := client.SignDownload(context.Background(), "object", DownloadOptions{ExpiresIn: 8 * 24 * time.Hour})
	if !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}
}

func TestSignDownloadPropagatesSignerError(t *testing.T) {
	signer := &fakeSigner{email: "svc@example.com", err: errors.New("kms down")}
	client := newTestClient(t, signer, time.Now())
	if _, err := client.SignDownload(context.Background(), "object", DownloadOptions{}); err == nil {
		t.Fatalf("expected signer error")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("bucket", &fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
	if _, err := NewClient(" ", &fakeSigner{email: "svc@example.com"}); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected errInvalidBucket, got %v", err)
	}
	client := newTestClient(t, &fakeSigner{email: "svc@example.com"}, time.Now())
	if _, err := client.SignDownload(context.Background(), "/", DownloadOptions{}); !errors.Is(err, errInvalidObject) {
		t.Fatalf("expected errInvalidObject, got %v", err)
	}
}

func TestParseServiceAccountKeyErrors(t *testing.T) {
	if _, err := ParseServiceAccountKey(nil); !errors.Is(err, errSignerKeyEmpty) {
		t.Fatalf("expected errSignerKeyEmpty, got %v", err)
	}
	if _, err := ParseServiceAccountKey([]byte(`{"client_email":"svc@example.com","private_key":"nope"}`)); err == nil {
		t.Fatalf("expected PEM decode error")
	}
	if _, err := ParseServiceAccountKey([]byte(`{"private_key":"x"}`)); err == nil {
		t.Fatalf("expected missing email error")
	}
}
