package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultOperatorHeader  = "X-Payment-Operator"

	defaultClockSkew  = 5 * time.Minute
	defaultNonceTTL   = 10 * time.Minute
	maxSignedBodySize = 64 << 10
)

// SecretProvider resolves the shared secret for a named payment operator.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets serves operator secrets already resolved by the config loader.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := s[name]
	if !ok || secret == "" {
		return "", fmt.Errorf("auth: no secret configured for %q", name)
	}
	return secret, nil
}

// NonceStore tracks consumed nonces for replay prevention. UseNonce reports false when the
// nonce was already recorded within scope.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local NonceStore for tests and single-instance development.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until expiry.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator verifies payment operator webhooks signed over
// METHOD \n PATH \n TIMESTAMP \n NONCE \n hex(sha256(body)).
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  Logger
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	operatorHeader  string

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a custom clock.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the signature, timestamp and nonce header names.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises how long consumed nonces are remembered.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// NewHMACValidator builds a validator using the given secrets and nonce store.
func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		secrets:         secrets,
		nonces:          nonces,
		logger:          nopLogger{},
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		operatorHeader:  defaultOperatorHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// PaymentOperator identifies the verified webhook sender.
type PaymentOperator struct {
	Name      string
	Nonce     string
	Timestamp time.Time
}

type operatorContextKey struct{}

// WithPaymentOperator stores the verified operator on the context.
func WithPaymentOperator(ctx context.Context, operator *PaymentOperator) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, operator)
}

// PaymentOperatorFromContext retrieves the operator stored by RequireSignedWebhook.
func PaymentOperatorFromContext(ctx context.Context) (*PaymentOperator, bool) {
	operator, ok := ctx.Value(operatorContextKey{}).(*PaymentOperator)
	return operator, ok && operator != nil
}

type verificationFailure struct {
	status  int
	code    string
	message string
}

func (f *verificationFailure) Error() string { return f.code + ": " + f.message }

func unauthorized(code, message string) *verificationFailure {
	return &verificationFailure{status: http.StatusUnauthorized, code: code, message: message}
}

func unavailable(message string) *verificationFailure {
	return &verificationFailure{status: http.StatusServiceUnavailable, code: "verification_unavailable", message: message}
}

// RequireSignedWebhook authenticates the operator named in the X-Payment-Operator header.
func (v *HMACValidator) RequireSignedWebhook() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator, failure := v.verify(r)
			if failure != nil {
				v.logger.Printf("auth: webhook rejected: %v", failure)
				respondAuthError(r.Context(), w, failure.status, failure.code, failure.message)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPaymentOperator(r.Context(), operator)))
		})
	}
}

func (v *HMACValidator) verify(r *http.Request) (*PaymentOperator, *verificationFailure) {
	ctx := r.Context()
	if v == nil || v.secrets == nil || v.nonces == nil {
		return nil, unavailable("webhook verification not configured")
	}

	name := strings.ToLower(strings.TrimSpace(r.Header.Get(v.operatorHeader)))
	if name == "" {
		return nil, unauthorized("unknown_operator", "payment operator header missing")
	}
	secret, err := v.secrets.GetSecret(ctx, name)
	if err != nil {
		return nil, unauthorized("unknown_operator", "payment operator not recognised")
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if signatureValue == "" || timestampValue == "" || nonce == "" {
		return nil, unauthorized("signature_missing", "signature headers missing")
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, unauthorized("timestamp_invalid", "signature timestamp invalid")
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, unauthorized("timestamp_skew", "signature timestamp outside allowed window")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, &verificationFailure{status: http.StatusBadRequest, code: "invalid_body", message: "unable to read signed body"}
	}
	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, unauthorized("signature_invalid", "signature encoding invalid")
	}
	if !hmac.Equal(signature, computeHMAC([]byte(secret), buildCanonicalString(r, body, timestampValue, nonce))) {
		return nil, unauthorized("signature_mismatch", "signature verification failed")
	}

	stored, err := v.nonces.UseNonce(ctx, name, nonce, now.Add(v.nonceTTL))
	if err != nil {
		v.logger.Printf("auth: nonce store error: %v", err)
		return nil, unavailable("nonce storage error")
	}
	if !stored {
		return nil, unauthorized("nonce_replay", "duplicate signature nonce")
	}

	return &PaymentOperator{Name: name, Nonce: nonce, Timestamp: timestamp}, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBodySize {
		return nil, errors.New("auth: signed body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be a hex or base64 sha256 digest")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
