package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long completed responses stay replayable.
const DefaultTTL = 24 * time.Hour

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve a key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request is still processing the key.
	ReservationStatePending
)

// Reservation is the result of reserving a key.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state of one idempotency key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the HTTP response stored for future replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists idempotency reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// reservationFor decides what an existing, unexpired record means for a new attempt.
func reservationFor(record Record, fingerprint string) (Reservation, error) {
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

func replayableHeaders(header http.Header) map[string][]string {
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade", "set-cookie":
			continue
		}
		filtered[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || !now.Before(record.ExpiresAt) {
		record = pendingRecord(key, fingerprint, now.UTC(), ttl)
		s.records[id] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	return reservationFor(record, fingerprint)
}

// SaveResponse implements Store.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		record = pendingRecord(key, fingerprint, now.UTC(), ttl)
	} else if record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = replayableHeaders(resp.Headers)
	record.ResponseBody = append([]byte(nil), resp.Body...)
	record.UpdatedAt = now.UTC()
	record.ExpiresAt = now.UTC().Add(ttl)
	s.records[id] = record
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID(key))
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	return removed, nil
}
