package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/astroshop/api/internal/platform/auth"
)

var fixedTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newOrderRequest(key, body, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func TestMiddleware_PassesThroughWithoutKeyUnlessRequired(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})

	rr := httptest.NewRecorder()
	Middleware(NewMemoryStore())(next).ServeHTTP(rr, newOrderRequest("", `{}`, "u1"))
	if rr.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("expected optional key to pass through, got %d after %d calls", rr.Code, calls)
	}

	rr = httptest.NewRecorder()
	Middleware(NewMemoryStore(), RequireKey())(next).ServeHTTP(rr, newOrderRequest("", `{}`, "u1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when key is required, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord_1"}`))
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newOrderRequest("checkout-1", `{"orderItems":[]}`, "u1"))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newOrderRequest("checkout-1", `{"orderItems":[]}`, "u1"))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if rr2.Code != http.StatusCreated || rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected replay of first response, got %d %s", rr2.Code, rr2.Body.String())
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header")
	}
	if rr2.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected stored content type")
	}
}

func TestMiddleware_KeysAreScopedPerUser(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("same", `{}`, "u1"))
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("same", `{}`, "u2"))
	if calls != 2 {
		t.Fatalf("expected each user to run the handler, got %d calls", calls)
	}
}

func TestMiddleware_ReusedKeyWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("k", `{"a":1}`, "u1"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("k", `{"a":2}`, "u1"))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_reused")
}

func TestMiddleware_PendingReservationReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	req := newOrderRequest("pending-key", `{}`, "u1")
	fingerprint := requestFingerprint(req, []byte(`{}`), "user:u1")
	if _, err := store.Reserve(context.Background(), "user:u1|pending-key", fingerprint, time.Now(), time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run while the key is pending")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddleware_ServerErrorsReleaseKey(t *testing.T) {
	store := &stubStore{}
	rr := httptest.NewRecorder()
	Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})).ServeHTTP(rr, newOrderRequest("retry-me", `{}`, "u1"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected handler status to pass through, got %d", rr.Code)
	}
	if !store.released || store.saved {
		t.Fatalf("expected release without save, got released=%v saved=%v", store.released, store.saved)
	}
}

func TestMiddleware_SaveFailureStillReturnsHandlerResponse(t *testing.T) {
	store := &stubStore{failSave: true}
	rr := httptest.NewRecorder()
	Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	})).ServeHTTP(rr, newOrderRequest("fail-key", `{}`, "u1"))

	if rr.Code != http.StatusCreated || rr.Body.String() != "ok" {
		t.Fatalf("expected handler response, got %d %q", rr.Code, rr.Body.String())
	}
	if !store.released {
		t.Fatalf("expected reservation to be released after save failure")
	}
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.Reserve(ctx, "old", "fp", fixedTime.Add(-2*time.Hour), time.Hour)
	_, _ = store.Reserve(ctx, "fresh", "fp", fixedTime, time.Hour)

	removed, err := store.CleanupExpired(ctx, fixedTime, 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired record removed, got %d (%v)", removed, err)
	}
	res, _ := store.Reserve(ctx, "fresh", "fp", fixedTime, time.Hour)
	if res.State != ReservationStatePending {
		t.Fatalf("expected fresh record to survive cleanup")
	}
}

type stubStore struct {
	failSave bool
	saved    bool
	released bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	s.saved = true
	return nil
}

func (s *stubStore) Release(context.Context, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
