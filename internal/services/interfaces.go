package services

import (
	"context"
	"time"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	CatalogProduct     = domain.CatalogProduct
	Resolution         = domain.Resolution
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Order              = domain.Order
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	OrderStatus        = domain.OrderStatus
	Address            = domain.Address
	PaymentRecord      = domain.PaymentRecord
	DownloadGrant      = domain.DownloadGrant
	SystemHealthReport = domain.SystemHealthReport
	OrderListFilter    = repositories.OrderListFilter
)

// Actor identifies the caller of an order operation. A nil *Actor on a command denotes a
// trusted system caller (payment webhook, fulfilment worker) that bypasses ownership checks.
type Actor struct {
	ID    string
	Admin bool
}

func (a *Actor) canAccess(order Order) bool {
	if a == nil {
		return true
	}
	return a.Admin || (a.ID != "" && a.ID == order.UserID)
}

func (a *Actor) id() string {
	if a == nil {
		return ""
	}
	return a.ID
}

// CartService manages the per-user shopping cart aggregate.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateQuantity(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	Clear(ctx context.Context, userID string) (Cart, error)
	RefreshPrices(ctx context.Context, userID string) (Cart, error)
}

// OrderService builds orders from checkout requests and serves order queries.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, actor *Actor) (Order, error)
	ListUserOrders(ctx context.Context, userID string) ([]Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
}

// FulfillmentService advances orders through payment, completion and cancellation.
type FulfillmentService interface {
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	MarkCompleted(ctx context.Context, cmd MarkCompletedCommand) (Order, error)
	SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	RedeemDownload(ctx context.Context, cmd RedeemDownloadCommand) (DownloadGrant, error)
}

// SystemService exposes operational metadata such as health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// AddCartItemCommand adds quantity units of a catalog reference. Zero quantity means one.
type AddCartItemCommand struct {
	UserID      string
	ReferenceID string
	Quantity    int
}

// UpdateCartItemCommand sets the quantity of an existing line item.
type UpdateCartItemCommand struct {
	UserID     string
	LineItemID string
	Quantity   int
}

// RemoveCartItemCommand removes a line item; absent items are ignored.
type RemoveCartItemCommand struct {
	UserID     string
	LineItemID string
}

// OrderItemRequest is one requested checkout line as submitted by the client.
type OrderItemRequest struct {
	ReferenceID string
	Name        string
	Quantity    int
	UnitPrice   int64
	ImageURL    string
}

// CreateOrderCommand carries a checkout request. Tax, shipping and total are client declared.
type CreateOrderCommand struct {
	UserID          string
	Items           []OrderItemRequest
	ShippingAddress Address
	PaymentMethod   string
	TaxAmount       int64
	ShippingAmount  int64
	TotalAmount     int64
	Notes           string
	IsDigital       bool
}

// PaymentDetails are the payment fields reported by the payer or payment operator.
type PaymentDetails struct {
	ID         string
	Status     string
	UpdateTime string
	PayerEmail string
}

// ConfirmPaymentCommand marks an order as paid.
type ConfirmPaymentCommand struct {
	OrderID string
	Actor   *Actor
	Payment PaymentDetails
	// Source labels where the confirmation came from; defaults to "direct".
	Source string
}

// MarkCompletedCommand marks an order delivered.
type MarkCompletedCommand struct {
	OrderID string
	ActorID string
}

// SetOrderStatusCommand is the administrative status write.
type SetOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	ActorID string
}

// CancelOrderCommand cancels an order on behalf of its owner.
type CancelOrderCommand struct {
	OrderID string
	Actor   *Actor
}

// RedeemDownloadCommand fetches a download grant and marks it downloaded.
type RedeemDownloadCommand struct {
	OrderID string
	GrantID string
	Actor   *Actor
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DownloadLinkRequest identifies the deliverable a grant points to.
type DownloadLinkRequest struct {
	OrderID          string
	GrantID          string
	CatalogProductID string
	ReferenceID      string
	ExpiresIn        time.Duration
}

// DownloadLinkIssuer produces the URL stored on a download grant.
type DownloadLinkIssuer interface {
	IssueDownloadLink(ctx context.Context, req DownloadLinkRequest) (string, error)
}
