package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventPaid          = "order.paid"
	orderEventCompleted     = "order.completed"
	orderEventCancelled     = "order.cancelled"
	orderEventStatusChanged = "order.status_changed"

	orderIDPrefix            = "ord_"
	defaultOrderNumberPrefix = "AS"
	maxOrderItems            = 100
)

// maxUnitPrice bounds client-supplied prices so maxOrderItems × maxCartQuantity × maxUnitPrice
// stays inside int64.
const maxUnitPrice int64 = 100_000_000_000

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Stock      repositories.StockLedger
	Counters   repositories.CounterRepository
	UnitOfWork repositories.UnitOfWork
	Resolver   *CatalogResolver
	// VerifyDynamicPrices checks client prices of dynamic service codes against the namespace
	// rule. When false those lines are accepted with client-supplied data.
	VerifyDynamicPrices bool
	OrderNumberPrefix   string
	Clock               func() time.Time
	IDGenerator         func() string
	Events              OrderEventPublisher
	Telemetry           *Telemetry
	Logger              func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	stock         repositories.StockLedger
	counters      repositories.CounterRepository
	unitOfWork    repositories.UnitOfWork
	resolver      *CatalogResolver
	verifyDynamic bool
	numberPrefix  string
	clock         func() time.Time
	newID         func() string
	events        OrderEventPublisher
	telemetry     *Telemetry
	logger        func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock ledger is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("order service: " + errResolverRequired.Error())
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = defaultTelemetry()
	}
	prefix := strings.TrimSpace(deps.OrderNumberPrefix)
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}

	return &orderService{
		orders:        deps.Orders,
		stock:         deps.Stock,
		counters:      deps.Counters,
		unitOfWork:    unit,
		resolver:      deps.Resolver,
		verifyDynamic: deps.VerifyDynamicPrices,
		numberPrefix:  prefix,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		events:    deps.Events,
		telemetry: telemetry,
		logger:    logger,
	}, nil
}

// CreateOrder validates every requested line against the catalog, then inserts the order,
// allocates its number and reserves stock in one unit of work. The first price mismatch aborts
// the checkout before anything is written.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (order Order, err error) {
	ctx, span := s.telemetry.start(ctx, "checkout.create_order",
		attribute.Int("order.items", len(cmd.Items)),
		attribute.Bool("order.digital", cmd.IsDigital),
	)
	defer func() { endSpan(span, err) }()

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, ErrOrderEmpty
	}
	if len(cmd.Items) > maxOrderItems {
		return Order{}, fmt.Errorf("%w: at most %d order items are allowed", ErrOrderInvalidInput, maxOrderItems)
	}
	paymentMethod := sanitizeText(cmd.PaymentMethod, maxPaymentFieldLength)
	if paymentMethod == "" {
		return Order{}, fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	}
	if cmd.TaxAmount < 0 || cmd.ShippingAmount < 0 || cmd.TotalAmount < 0 {
		return Order{}, fmt.Errorf("%w: amounts must not be negative", ErrOrderInvalidInput)
	}
	address := sanitizeAddress(cmd.ShippingAddress)
	if !cmd.IsDigital && (address.Street == "" || address.City == "" || address.Country == "") {
		return Order{}, fmt.Errorf("%w: shipping address is required for physical orders", ErrOrderInvalidInput)
	}

	items, err := s.buildLineItems(ctx, cmd.Items)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	order = Order{
		ID:              s.nextOrderID(),
		UserID:          userID,
		Items:           items,
		ShippingAddress: address,
		PaymentMethod:   paymentMethod,
		Totals: OrderTotals{
			Items:    sumLineItems(items),
			Tax:      cmd.TaxAmount,
			Shipping: cmd.ShippingAmount,
			Total:    cmd.TotalAmount,
		},
		Notes:      sanitizeText(cmd.Notes, maxOrderNotesLength),
		IsDigital:  cmd.IsDigital,
		Status:     domain.OrderStatusPending,
		StockState: domain.StockStateNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	adjustments := stockReservations(order)
	if len(adjustments) > 0 {
		order.StockState = domain.StockStateReserved
	}

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		number, err := s.generateOrderNumber(txCtx, now)
		if err != nil {
			return err
		}
		order.OrderNumber = number
		if err := s.orders.Insert(txCtx, order); err != nil {
			return err
		}
		if len(adjustments) > 0 {
			if err := s.stock.Adjust(txCtx, adjustments); err != nil {
				return fmt.Errorf("reserve stock: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	s.telemetry.orderCreated(ctx, order.IsDigital)
	s.telemetry.stockMoved(ctx, "reserve", unitsMoved(adjustments))
	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger(ctx, "order.created", map[string]any{
		"orderID":     order.ID,
		"orderNumber": order.OrderNumber,
		"userID":      order.UserID,
		"items":       len(order.Items),
		"digital":     order.IsDigital,
	})
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       userID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"itemsAmount": order.Totals.Items,
			"totalAmount": order.Totals.Total,
			"digital":     order.IsDigital,
		},
	})
	return order, nil
}

func (s *orderService) buildLineItems(ctx context.Context, requested []OrderItemRequest) ([]OrderLineItem, error) {
	fallback := s.resolver.SoftFailPolicy()
	items := make([]OrderLineItem, 0, len(requested))
	for idx, req := range requested {
		ref := strings.TrimSpace(req.ReferenceID)
		if ref == "" {
			return nil, fmt.Errorf("%w: item %d: product is required", ErrOrderInvalidInput, idx)
		}
		if req.Quantity < 1 || req.Quantity > maxCartQuantity {
			return nil, fmt.Errorf("%w: item %d: quantity must be between 1 and %d", ErrOrderInvalidInput, idx, maxCartQuantity)
		}
		if req.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: item %d: price must not be negative", ErrOrderInvalidInput, idx)
		}
		if req.UnitPrice > maxUnitPrice {
			return nil, fmt.Errorf("%w: item %d: price must not exceed %d", ErrOrderInvalidInput, idx, maxUnitPrice)
		}

		res, recognized, err := s.resolver.Match(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
		verify := recognized && (res.Source != domain.ResolutionDynamic || s.verifyDynamic)

		if verify {
			if req.UnitPrice != res.UnitPrice {
				s.telemetry.priceMismatch(ctx, string(res.Source))
				s.logger(ctx, "order.price_mismatch", map[string]any{
					"reference":   ref,
					"clientPrice": req.UnitPrice,
					"serverPrice": res.UnitPrice,
					"source":      string(res.Source),
				})
				return nil, &PriceMismatchError{Index: idx, ReferenceID: ref, ClientPrice: req.UnitPrice, ServerPrice: res.UnitPrice}
			}
			items = append(items, OrderLineItem{
				ReferenceID:      ref,
				CatalogProductID: res.CatalogProductID,
				Name:             res.Name,
				UnitPrice:        res.UnitPrice,
				Quantity:         req.Quantity,
				ImageURL:         res.ImageURL,
			})
			continue
		}

		name := sanitizeText(req.Name, maxItemNameLength)
		if name == "" {
			name = fallback.Name
		}
		image := strings.TrimSpace(req.ImageURL)
		if image == "" {
			image = fallback.ImageURL
		}
		if !recognized {
			s.logger(ctx, "order.item.client_trusted", map[string]any{"reference": ref})
		}
		items = append(items, OrderLineItem{
			ReferenceID: ref,
			Name:        name,
			UnitPrice:   req.UnitPrice,
			Quantity:    req.Quantity,
			ImageURL:    image,
		})
	}
	return items, nil
}

// GetOrder returns the order when actor owns it or is an admin; otherwise it reports not found.
func (s *orderService) GetOrder(ctx context.Context, orderID string, actor *Actor) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if repositories.IsInvalid(err) {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		}
		return Order{}, mapOrderRepositoryError(err)
	}
	if !actor.canAccess(order) {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// ListUserOrders returns the user's orders, newest first.
func (s *orderService) ListUserOrders(ctx context.Context, userID string) ([]Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	if orders == nil {
		orders = []Order{}
	}
	return orders, nil
}

// ListOrders is the administrative paginated listing.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, filter.Status)
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	if page.Items == nil {
		page.Items = []Order{}
	}
	return page, nil
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, fmt.Sprintf("orders:%04d", now.Year()), 1)
	if err != nil {
		return "", fmt.Errorf("allocate order number: %w", err)
	}
	return fmt.Sprintf("%s-%04d-%06d", s.numberPrefix, now.Year(), seq), nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func publishOrderEvent(ctx context.Context, publisher OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if publisher == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func sumLineItems(items []OrderLineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	return total
}

// stockReservations lists the decrements a physical order applies: one per line that resolved
// to a catalog product.
func stockReservations(order Order) []domain.StockAdjustment {
	if order.IsDigital {
		return nil
	}
	var adjustments []domain.StockAdjustment
	for _, item := range order.Items {
		if item.CatalogProductID == "" || item.Quantity <= 0 {
			continue
		}
		adjustments = append(adjustments, domain.StockAdjustment{ProductID: item.CatalogProductID, Delta: -int64(item.Quantity)})
	}
	return adjustments
}

// stockRestorations mirrors stockReservations with positive deltas.
func stockRestorations(order Order) []domain.StockAdjustment {
	reservations := stockReservations(order)
	for i := range reservations {
		reservations[i].Delta = -reservations[i].Delta
	}
	return reservations
}

func unitsMoved(adjustments []domain.StockAdjustment) int64 {
	var units int64
	for _, adj := range adjustments {
		if adj.Delta < 0 {
			units -= adj.Delta
		} else {
			units += adj.Delta
		}
	}
	return units
}
