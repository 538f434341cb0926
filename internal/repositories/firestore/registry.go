package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/astroshop/api/internal/platform/firestore"
	"github.com/astroshop/api/internal/repositories"
)

// Registry wires every Firestore repository onto one Provider and exposes the provider's
// transactions as the repositories.UnitOfWork.
type Registry struct {
	provider *pfirestore.Provider
	carts    *CartRepository
	orders   *OrderRepository
	products *ProductRepository
	counters *CounterRepository
	health   repositories.HealthRepository
	txOpts   []pfirestore.TxOption
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the registry. health may be nil when readiness probes are not wired.
// txOpts apply to every RunInTx.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository, txOpts ...pfirestore.TxOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	return &Registry{
		provider: provider,
		carts:    NewCartRepository(provider),
		orders:   NewOrderRepository(provider),
		products: NewProductRepository(provider),
		counters: NewCounterRepository(provider),
		health:   health,
		txOpts:   txOpts,
	}, nil
}

func (r *Registry) Carts() repositories.CartRepository       { return r.carts }
func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Stock() repositories.StockLedger          { return r.products }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

// RunInTx implements repositories.UnitOfWork. Nested calls join the outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	}, r.txOpts...)
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
