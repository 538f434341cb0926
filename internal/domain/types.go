package domain

import (
	"time"
)

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Pagination defines cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CatalogProduct is the slice of a catalog product document the checkout pipeline reads.
type CatalogProduct struct {
	ID            string
	Name          string
	Category      string
	Price         int64
	DiscountPrice int64
	Images        []string
	CountInStock  int64
	// DownloadFile names the deliverable object for digital fulfilment, if any.
	DownloadFile string
}

// EffectivePrice is the discount price when positive, else the list price.
func (p CatalogProduct) EffectivePrice() int64 {
	if p.DiscountPrice > 0 {
		return p.DiscountPrice
	}
	return p.Price
}

// ResolutionSource records which strategy produced a Resolution.
type ResolutionSource string

const (
	ResolutionStatic   ResolutionSource = "static"
	ResolutionDynamic  ResolutionSource = "dynamic"
	ResolutionCatalog  ResolutionSource = "catalog"
	ResolutionFallback ResolutionSource = "fallback"
)

// Resolution is the canonical priced tuple for a catalog reference.
type Resolution struct {
	Reference        string
	Source           ResolutionSource
	Name             string
	UnitPrice        int64
	ImageURL         string
	CatalogProductID string
}

// Recognized reports whether the reference matched a known code or a catalog document.
func (r Resolution) Recognized() bool {
	return r.Source != ResolutionFallback && r.Source != ""
}

// Cart aggregates the mutable shopping cart state for a user. TotalAmount is derived from Items.
type Cart struct {
	ID          string
	UserID      string
	Items       []CartItem
	TotalAmount int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Recalculate recomputes TotalAmount from the current items.
func (c *Cart) Recalculate() {
	var total int64
	for _, item := range c.Items {
		total += item.Subtotal()
	}
	c.TotalAmount = total
}

// CartItem is a priced snapshot of a catalog reference inside a cart.
type CartItem struct {
	ID               string
	ReferenceID      string
	CatalogProductID string
	Name             string
	UnitPrice        int64
	Quantity         int
	ImageURL         string
	AddedAt          time.Time
	UpdatedAt        time.Time
}

// Subtotal is UnitPrice × Quantity.
func (i CartItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state of every order.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment was confirmed.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted indicates the order was delivered or fulfilled.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled and stock returned.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded is set administratively after a refund.
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// StockState tracks the stock side effect of an order so it is applied at most once each way.
type StockState string

const (
	// StockStateNone means the order never touched stock (digital or no catalog products).
	StockStateNone StockState = "none"
	// StockStateReserved means stock was decremented when the order was placed.
	StockStateReserved StockState = "reserved"
	// StockStateRestored means decremented stock was given back on cancellation.
	StockStateRestored StockState = "restored"
)

// Address is the shipping destination captured at checkout.
type Address struct {
	Street     string
	City       string
	PostalCode string
	Country    string
}

// IsZero reports whether no address field is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Order is created once in pending state and then advanced by fulfilment transitions.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Items           []OrderLineItem
	ShippingAddress Address
	PaymentMethod   string
	Totals          OrderTotals
	Notes           string
	IsDigital       bool
	IsPaid          bool
	PaidAt          *time.Time
	Payment         *PaymentRecord
	IsFulfilled     bool
	FulfilledAt     *time.Time
	Status          OrderStatus
	StockState      StockState
	DownloadGrants  []DownloadGrant
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderTotals holds monetary fields in minor units. Items is computed by the server; the
// others are declared by the client at checkout.
type OrderTotals struct {
	Items    int64
	Tax      int64
	Shipping int64
	Total    int64
}

// OrderLineItem is the immutable snapshot of one purchased item.
type OrderLineItem struct {
	ReferenceID      string
	CatalogProductID string
	Name             string
	UnitPrice        int64
	Quantity         int
	ImageURL         string
}

// Subtotal is UnitPrice × Quantity.
func (i OrderLineItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// PaymentRecord stores the payment details supplied when payment was confirmed.
type PaymentRecord struct {
	ID         string
	Status     string
	UpdateTime string
	PayerEmail string
	// Source is "direct" for shopper/admin confirmation or "webhook:<operator>".
	Source     string
	RecordedAt time.Time
}

// DownloadGrant is a time-limited link to a digital deliverable.
type DownloadGrant struct {
	ID               string
	CatalogProductID string
	ReferenceID      string
	URL              string
	ExpiresAt        time.Time
	Downloaded       bool
	DownloadedAt     *time.Time
}

// Expired reports whether the grant can no longer be redeemed at now.
func (g DownloadGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// StockAdjustment is a single signed change to a product's countInStock.
type StockAdjustment struct {
	ProductID string
	Delta     int64
}

const (
	// HealthStatusOK indicates the dependency is fully operational.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates the dependency answered with an error.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the dependency timed out or was unreachable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for readiness endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
