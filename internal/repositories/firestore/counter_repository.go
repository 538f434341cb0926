package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/astroshop/api/internal/platform/firestore"
	"github.com/astroshop/api/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository hands out monotonically increasing sequence numbers, one document per
// counter id (for example "orders:2026").
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
	now      func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) *CounterRepository {
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection, nil),
		now:      time.Now,
	}
}

// Next increments counterID by step (minimum 1) and returns the new value. When ctx already
// carries a transaction the read and write join it, so a rolled back order never consumes a
// number.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewInvalidError("counters.next", "counter id is required")
	}
	if step < 0 {
		return 0, repositories.NewInvalidError("counters.next", fmt.Sprintf("step must be positive, got %d", step))
	}
	if step == 0 {
		step = 1
	}

	var next int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		current := int64(0)
		doc, err := r.counters.Get(ctx, id)
		switch {
		case err == nil:
			current = doc.Data.CurrentValue
		case !pfirestore.IsNotFound(err):
			return err
		}
		next = current + step
		_, err = r.counters.Set(ctx, id, counterDocument{CurrentValue: next, UpdatedAt: r.now().UTC()})
		return err
	})
	if err != nil {
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next, nil
}
