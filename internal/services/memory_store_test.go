package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/repositories"
)

// memoryStore is an in-memory persistence fake. RunInTx snapshots every collection and rolls
// back when fn fails, mirroring the all-or-nothing Firestore transaction.
type memoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	carts    map[string]domain.Cart
	orders   map[string]domain.Order
	products map[string]domain.CatalogProduct
	counters map[string]int64

	// beforeRetry, when set, aborts the next transaction after one attempt and runs before fn
	// is retried, the way Firestore reruns a contended transaction.
	beforeRetry func()

	adjustErr   error
	insertErr   error
	productErr  error
	adjustCalls int
	inserts     int
	updates     int
	txCount     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		carts:    map[string]domain.Cart{},
		orders:   map[string]domain.Order{},
		products: map[string]domain.CatalogProduct{},
		counters: map[string]int64{},
	}
}

func (m *memoryStore) Carts() *memoryCarts       { return &memoryCarts{m} }
func (m *memoryStore) Orders() *memoryOrders     { return &memoryOrders{m} }
func (m *memoryStore) Products() *memoryProducts { return &memoryProducts{m} }
func (m *memoryStore) Counters() *memoryCounters { return &memoryCounters{m} }

type txMarker struct{}

func (m *memoryStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	txCtx := context.WithValue(ctx, txMarker{}, true)

	m.mu.Lock()
	m.txCount++
	retry := m.beforeRetry
	m.beforeRetry = nil
	carts, orders, products, counters := maps.Clone(m.carts), maps.Clone(m.orders), maps.Clone(m.products), maps.Clone(m.counters)
	m.mu.Unlock()

	if retry != nil {
		_ = fn(txCtx)
		m.mu.Lock()
		m.carts, m.orders, m.products, m.counters = carts, orders, products, counters
		m.mu.Unlock()
		retry()
		m.mu.Lock()
		carts, orders, products, counters = maps.Clone(m.carts), maps.Clone(m.orders), maps.Clone(m.products), maps.Clone(m.counters)
		m.mu.Unlock()
	}

	if err := fn(txCtx); err != nil {
		m.mu.Lock()
		m.carts, m.orders, m.products, m.counters = carts, orders, products, counters
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memoryStore) addProduct(p domain.CatalogProduct) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *memoryStore) stock(productID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[productID].CountInStock
}

func (m *memoryStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memoryStore) putOrder(order domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
}

func (m *memoryStore) storedOrder(id string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	return order, ok
}

type memoryCarts struct{ *memoryStore }

func (r *memoryCarts) Get(_ context.Context, userID string) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.carts[userID]
	if !ok {
		return domain.Cart{}, repositories.NewNotFoundError("carts.get", userID)
	}
	cart.Items = slices.Clone(cart.Items)
	return cart, nil
}

func (r *memoryCarts) Save(_ context.Context, cart domain.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart.Items = slices.Clone(cart.Items)
	cart.Recalculate()
	r.carts[cart.UserID] = cart
	return nil
}

type memoryOrders struct{ *memoryStore }

func (r *memoryOrders) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewConflictError("orders.insert", order.ID)
	}
	r.inserts++
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *memoryOrders) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; !exists {
		return repositories.NewNotFoundError("orders.update", order.ID)
	}
	r.updates++
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *memoryOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.Contains(orderID, "/") {
		return domain.Order{}, repositories.NewInvalidError("orders.find", orderID)
	}
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.find", orderID)
	}
	return cloneOrder(order), nil
}

func (r *memoryOrders) ListByUser(_ context.Context, userID string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.UserID == userID {
			out = append(out, cloneOrder(order))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *memoryOrders) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if filter.Status == "" || order.Status == filter.Status {
			out = append(out, cloneOrder(order))
		}
	}
	sortNewestFirst(out)
	if size := filter.Pagination.PageSize; size > 0 && len(out) > size {
		return domain.CursorPage[domain.Order]{Items: out[:size], NextPageToken: out[size-1].ID}, nil
	}
	return domain.CursorPage[domain.Order]{Items: out}, nil
}

type memoryProducts struct{ *memoryStore }

func (r *memoryProducts) FindByID(_ context.Context, productID string) (domain.CatalogProduct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.productErr != nil {
		return domain.CatalogProduct{}, r.productErr
	}
	if strings.ContainsAny(productID, "/ ") {
		return domain.CatalogProduct{}, repositories.NewInvalidError("products.find", productID)
	}
	product, ok := r.products[productID]
	if !ok {
		return domain.CatalogProduct{}, repositories.NewNotFoundError("products.find", productID)
	}
	return product, nil
}

func (r *memoryProducts) Adjust(_ context.Context, adjustments []domain.StockAdjustment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjustCalls++
	if r.adjustErr != nil {
		return r.adjustErr
	}
	for _, adj := range adjustments {
		product, ok := r.products[adj.ProductID]
		if !ok {
			return repositories.NewNotFoundError("products.adjust", adj.ProductID)
		}
		product.CountInStock += adj.Delta
		r.products[adj.ProductID] = product
	}
	return nil
}

type memoryCounters struct{ *memoryStore }

func (r *memoryCounters) Next(_ context.Context, counterID string, step int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[counterID] += step
	return r.counters[counterID], nil
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.DownloadGrants = slices.Clone(order.DownloadGrants)
	if order.Payment != nil {
		payment := *order.Payment
		order.Payment = &payment
	}
	return order
}

func sortNewestFirst(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

type captureLogger struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogger) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogger) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.events, event)
}

type stubDownloadIssuer struct {
	requests []DownloadLinkRequest
	err      error
}

func (s *stubDownloadIssuer) IssueDownloadLink(_ context.Context, req DownloadLinkRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.requests = append(s.requests, req)
	return "https://downloads.test/" + req.ReferenceID + "?grant=" + req.GrantID, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequenceIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%03d", prefix, n)
	}
}

var errBoom = errors.New("boom")

var (
	_ repositories.CartRepository    = (*memoryCarts)(nil)
	_ repositories.OrderRepository   = (*memoryOrders)(nil)
	_ repositories.ProductRepository = (*memoryProducts)(nil)
	_ repositories.StockLedger       = (*memoryProducts)(nil)
	_ repositories.CounterRepository = (*memoryCounters)(nil)
	_ repositories.UnitOfWork        = (*memoryStore)(nil)
)
