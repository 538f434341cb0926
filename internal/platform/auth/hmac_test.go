package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	webhookOperator = "razorpay"
	webhookSecret   = "whsec-test"
	webhookPath     = "/api/v1/webhooks/payments"
)

type signedRequest struct {
	operator  string
	secret    string
	body      []byte
	signedFor []byte
	timestamp time.Time
	nonce     string
}

func (s signedRequest) build() *http.Request {
	req := httptest.NewRequest(http.MethodPost, webhookPath, bytes.NewReader(s.body))
	signedBody := s.body
	if s.signedFor != nil {
		signedBody = s.signedFor
	}
	ts := s.timestamp.Format(time.RFC3339)
	signature := computeHMAC([]byte(s.secret), buildCanonicalString(req, signedBody, ts, s.nonce))
	req.Header.Set(defaultOperatorHeader, s.operator)
	req.Header.Set(defaultSignatureHeader, "sha256="+hex.EncodeToString(signature))
	req.Header.Set(defaultTimestampHeader, ts)
	req.Header.Set(defaultNonceHeader, s.nonce)
	return req
}

func newWebhookValidator(now time.Time) *HMACValidator {
	return NewHMACValidator(StaticSecrets{webhookOperator: webhookSecret}, NewInMemoryNonceStore(),
		WithHMACClock(func() time.Time { return now }),
	)
}

func serveWebhook(v *HMACValidator, req *http.Request, next http.HandlerFunc) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	v.RequireSignedWebhook()(next).ServeHTTP(rr, req)
	return rr
}

func TestRequireSignedWebhook_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	body := []byte(`{"orderId":"ord_1","id":"pay_1","status":"COMPLETED"}`)
	req := signedRequest{operator: "Razorpay", secret: webhookSecret, body: body, timestamp: now, nonce: "n-1"}.build()

	rr := serveWebhook(newWebhookValidator(now), req, func(w http.ResponseWriter, r *http.Request) {
		operator, ok := PaymentOperatorFromContext(r.Context())
		if !ok || operator.Name != webhookOperator {
			t.Fatalf("expected operator %q on context, got %+v", webhookOperator, operator)
		}
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		if !bytes.Equal(buf.Bytes(), body) {
			t.Fatalf("expected body to be restored for the handler")
		}
		w.WriteHeader(http.StatusAccepted)
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireSignedWebhook_ReplayRejected(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := newWebhookValidator(now)
	request := signedRequest{operator: webhookOperator, secret: webhookSecret, body: []byte(`{}`), timestamp: now, nonce: "n-replay"}
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

	if rr := serveWebhook(validator, request.build(), ok); rr.Code != http.StatusOK {
		t.Fatalf("expected first delivery to succeed, got %d", rr.Code)
	}
	if rr := serveWebhook(validator, request.build(), ok); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected with 401, got %d", rr.Code)
	}
}

func TestRequireSignedWebhook_Rejections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	base := signedRequest{operator: webhookOperator, secret: webhookSecret, body: []byte(`{"status":"COMPLETED"}`), timestamp: now, nonce: "n-2"}

	tampered := base
	tampered.signedFor = []byte(`{"status":"PENDING"}`)
	wrongSecret := base
	wrongSecret.secret = "other"
	stale := base
	stale.timestamp = now.Add(-10 * time.Minute)
	unknown := base
	unknown.operator = "paypal"

	cases := map[string]struct {
		req    signedRequest
		status int
	}{
		"tampered body":    {tampered, http.StatusUnauthorized},
		"wrong secret":     {wrongSecret, http.StatusUnauthorized},
		"stale timestamp":  {stale, http.StatusUnauthorized},
		"unknown operator": {unknown, http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := serveWebhook(newWebhookValidator(now), tc.req.build(), func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler must not run")
			})
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

type failingNonceStore struct{}

func (failingNonceStore) UseNonce(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("firestore unavailable")
}

func TestRequireSignedWebhook_NonceStoreFailure(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := NewHMACValidator(StaticSecrets{webhookOperator: webhookSecret}, failingNonceStore{},
		WithHMACClock(func() time.Time { return now }),
	)
	req := signedRequest{operator: webhookOperator, secret: webhookSecret, body: []byte(`{}`), timestamp: now, nonce: "n-3"}.build()

	rr := serveWebhook(validator, req, func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
