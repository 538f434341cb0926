package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/astroshop/api/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

// FirestoreStore implements Store on a Firestore collection. Reservation is a transactional
// read-then-create so two concurrent requests with the same key cannot both proceed.
type FirestoreStore struct {
	provider *pfirestore.Provider
	records  *pfirestore.BaseRepository[firestoreRecord]
}

// NewFirestoreStore constructs a Firestore-backed idempotency store.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{
		provider: provider,
		records:  pfirestore.NewBaseRepository[firestoreRecord](provider, collection, nil),
	}
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)

	var result Reservation
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := s.records.Get(ctx, id)
		if err != nil && !pfirestore.IsNotFound(err) {
			return err
		}
		if err == nil && now.Before(doc.Data.ExpiresAt) {
			result, err = reservationFor(doc.Data.toRecord(), fingerprint)
			return err
		}
		record := pendingRecord(key, fingerprint, now, ttl)
		if _, err := s.records.Set(ctx, id, fromRecord(record)); err != nil {
			return err
		}
		result = Reservation{State: ReservationStateNew, Record: record}
		return nil
	})
	return result, err
}

// SaveResponse implements Store.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)

	return s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		record := pendingRecord(key, fingerprint, now, ttl)
		doc, err := s.records.Get(ctx, id)
		switch {
		case err == nil:
			if doc.Data.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record = doc.Data.toRecord()
		case !pfirestore.IsNotFound(err):
			return err
		}

		record.Status = StatusCompleted
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = replayableHeaders(resp.Headers)
		record.ResponseBody = append([]byte(nil), resp.Body...)
		record.UpdatedAt = now
		record.ExpiresAt = now.Add(ttl)
		_, err = s.records.Set(ctx, id, fromRecord(record))
		return err
	})
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.records.DocumentRef(ctx, documentID(key))
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("idempotency.release", err)
}

// CleanupExpired deletes up to limit expired records in one batch.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.records.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", now.UTC()).Limit(limit)
	})
	if err != nil || len(docs) == 0 {
		return 0, err
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	bw := client.BulkWriter(ctx)
	for _, doc := range docs {
		ref, err := s.records.DocumentRef(ctx, doc.ID)
		if err != nil {
			return 0, err
		}
		if _, err := bw.Delete(ref); err != nil {
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
	}
	bw.End()
	return len(docs), nil
}

type firestoreRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders"`
	ResponseBody    []byte              `firestore:"responseBody"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func fromRecord(r Record) firestoreRecord {
	return firestoreRecord{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}
