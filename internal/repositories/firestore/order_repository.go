package firestore

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/astroshop/api/internal/domain"
	pfirestore "github.com/astroshop/api/internal/platform/firestore"
	"github.com/astroshop/api/internal/platform/pagination"
	"github.com/astroshop/api/internal/repositories"
)

const (
	orderCollection  = "orders"
	defaultOrderPage = pagination.DefaultPageSize
	maxOrderPage     = pagination.DefaultMaxPageSize
)

// OrderRepository persists order documents keyed by order id.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil),
	}
}

// Insert creates the order document and fails with a conflict if the id is taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return repositories.NewInvalidError("orders.insert", "order id is required")
	}
	_, err := r.base.Create(ctx, id, encodeOrder(order))
	return err
}

// Update replaces an existing order document. Missing orders fail with not-found. Inside a
// unit of work the caller has already read the order, so the write is staged directly.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return repositories.NewInvalidError("orders.update", "order id is required")
	}
	doc := encodeOrder(order)
	if _, ok := pfirestore.TransactionFromContext(ctx); ok {
		_, err := r.base.Set(ctx, id, doc)
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		if _, err := r.base.Get(ctx, id); err != nil {
			return err
		}
		_, err := r.base.Set(ctx, id, doc)
		return err
	})
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListByUser returns every order placed by userID, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", strings.TrimSpace(userID)).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

// List pages through all orders newest first, optionally restricted to one status. The page
// token encodes the (createdAt, id) of the last order returned.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	size := filter.Pagination.PageSize
	switch {
	case size <= 0:
		size = defaultOrderPage
	case size > maxOrderPage:
		size = maxOrderPage
	}

	var cursor *pagination.Cursor
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, repositories.NewInvalidError("orders.list", err.Error())
		}
		cursor = &decoded
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.Status != "" {
			q = q.Where("status", "==", string(filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor != nil {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), size))}
	for i, doc := range docs {
		if i == size {
			last := page.Items[size-1]
			page.NextPageToken = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

type orderDocument struct {
	OrderNumber     string                  `firestore:"orderNumber"`
	UserID          string                  `firestore:"userId"`
	Items           []orderLineItemDocument `firestore:"items"`
	ShippingAddress addressDocument         `firestore:"shippingAddress"`
	PaymentMethod   string                  `firestore:"paymentMethod"`
	Totals          orderTotalsDocument     `firestore:"totals"`
	Notes           string                  `firestore:"notes,omitempty"`
	IsDigital       bool                    `firestore:"isDigital"`
	IsPaid          bool                    `firestore:"isPaid"`
	PaidAt          *time.Time              `firestore:"paidAt,omitempty"`
	Payment         *paymentRecordDocument  `firestore:"payment,omitempty"`
	IsFulfilled     bool                    `firestore:"isFulfilled"`
	FulfilledAt     *time.Time              `firestore:"fulfilledAt,omitempty"`
	Status          string                  `firestore:"status"`
	StockState      string                  `firestore:"stockState"`
	DownloadGrants  []downloadGrantDocument `firestore:"downloadGrants"`
	CancelledAt     *time.Time              `firestore:"cancelledAt,omitempty"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
}

type orderLineItemDocument struct {
	ReferenceID      string `firestore:"referenceId,omitempty"`
	CatalogProductID string `firestore:"catalogProductId,omitempty"`
	Name             string `firestore:"name"`
	UnitPrice        int64  `firestore:"unitPrice"`
	Quantity         int    `firestore:"quantity"`
	ImageURL         string `firestore:"imageUrl"`
}

type addressDocument struct {
	Street     string `firestore:"address"`
	City       string `firestore:"city"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type orderTotalsDocument struct {
	Items    int64 `firestore:"items"`
	Tax      int64 `firestore:"tax"`
	Shipping int64 `firestore:"shipping"`
	Total    int64 `firestore:"total"`
}

type paymentRecordDocument struct {
	ID         string    `firestore:"id"`
	Status     string    `firestore:"status"`
	UpdateTime string    `firestore:"updateTime,omitempty"`
	PayerEmail string    `firestore:"payerEmail"`
	Source     string    `firestore:"source"`
	RecordedAt time.Time `firestore:"recordedAt"`
}

type downloadGrantDocument struct {
	ID               string     `firestore:"id"`
	CatalogProductID string     `firestore:"catalogProductId,omitempty"`
	ReferenceID      string     `firestore:"referenceId,omitempty"`
	URL              string     `firestore:"url"`
	ExpiresAt        time.Time  `firestore:"expiresAt"`
	Downloaded       bool       `firestore:"downloaded"`
	DownloadedAt     *time.Time `firestore:"downloadedAt,omitempty"`
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		ShippingAddress: addressDocument{
			Street:     order.ShippingAddress.Street,
			City:       order.ShippingAddress.City,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		},
		PaymentMethod: order.PaymentMethod,
		Totals: orderTotalsDocument{
			Items:    order.Totals.Items,
			Tax:      order.Totals.Tax,
			Shipping: order.Totals.Shipping,
			Total:    order.Totals.Total,
		},
		Notes:       order.Notes,
		IsDigital:   order.IsDigital,
		IsPaid:      order.IsPaid,
		PaidAt:      utcPtr(order.PaidAt),
		IsFulfilled: order.IsFulfilled,
		FulfilledAt: utcPtr(order.FulfilledAt),
		Status:      string(order.Status),
		StockState:  string(order.StockState),
		CancelledAt: utcPtr(order.CancelledAt),
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderLineItemDocument(item))
	}
	if p := order.Payment; p != nil {
		doc.Payment = &paymentRecordDocument{
			ID:         p.ID,
			Status:     p.Status,
			UpdateTime: p.UpdateTime,
			PayerEmail: p.PayerEmail,
			Source:     p.Source,
			RecordedAt: p.RecordedAt.UTC(),
		}
	}
	doc.DownloadGrants = make([]downloadGrantDocument, 0, len(order.DownloadGrants))
	for _, grant := range order.DownloadGrants {
		doc.DownloadGrants = append(doc.DownloadGrants, downloadGrantDocument{
			ID:               grant.ID,
			CatalogProductID: grant.CatalogProductID,
			ReferenceID:      grant.ReferenceID,
			URL:              grant.URL,
			ExpiresAt:        grant.ExpiresAt.UTC(),
			Downloaded:       grant.Downloaded,
			DownloadedAt:     utcPtr(grant.DownloadedAt),
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		ShippingAddress: domain.Address{
			Street:     d.ShippingAddress.Street,
			City:       d.ShippingAddress.City,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
		},
		PaymentMethod: d.PaymentMethod,
		Totals: domain.OrderTotals{
			Items:    d.Totals.Items,
			Tax:      d.Totals.Tax,
			Shipping: d.Totals.Shipping,
			Total:    d.Totals.Total,
		},
		Notes:       d.Notes,
		IsDigital:   d.IsDigital,
		IsPaid:      d.IsPaid,
		PaidAt:      utcPtr(d.PaidAt),
		IsFulfilled: d.IsFulfilled,
		FulfilledAt: utcPtr(d.FulfilledAt),
		Status:      domain.OrderStatus(d.Status),
		StockState:  domain.StockState(d.StockState),
		CancelledAt: utcPtr(d.CancelledAt),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
	if order.StockState == "" {
		order.StockState = domain.StockStateNone
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem(item))
	}
	if p := d.Payment; p != nil {
		order.Payment = &domain.PaymentRecord{
			ID:         p.ID,
			Status:     p.Status,
			UpdateTime: p.UpdateTime,
			PayerEmail: p.PayerEmail,
			Source:     p.Source,
			RecordedAt: p.RecordedAt.UTC(),
		}
	}
	for _, grant := range d.DownloadGrants {
		order.DownloadGrants = append(order.DownloadGrants, domain.DownloadGrant{
			ID:               grant.ID,
			CatalogProductID: grant.CatalogProductID,
			ReferenceID:      grant.ReferenceID,
			URL:              grant.URL,
			ExpiresAt:        grant.ExpiresAt.UTC(),
			Downloaded:       grant.Downloaded,
			DownloadedAt:     utcPtr(grant.DownloadedAt),
		})
	}
	return order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
