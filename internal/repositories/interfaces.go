package repositories

import (
	"context"

	domain "github.com/astroshop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Orders() OrderRepository
	Products() ProductRepository
	Stock() StockLedger
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories called
// with the ctx handed to fn read and write through the same transaction; all reads must happen
// before the first write.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository persists one cart document per user.
type CartRepository interface {
	// Get returns a not-found RepositoryError when the user has no cart yet.
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart) error
}

// OrderRepository persists orders and provides query helpers for shoppers and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter narrows the administrative order listing. Results are newest first.
type OrderListFilter struct {
	Status     domain.OrderStatus
	Pagination domain.Pagination
}

// ProductRepository is the read side of the catalog store. Malformed ids surface as errors
// satisfying IsInvalid.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.CatalogProduct, error)
}

// StockLedger applies atomic signed adjustments to product countInStock values.
type StockLedger interface {
	Adjust(ctx context.Context, adjustments []domain.StockAdjustment) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
