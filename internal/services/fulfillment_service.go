package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/repositories"
)

const (
	downloadGrantIDPrefix    = "dlg_"
	defaultDownloadGrantTTL  = 7 * 24 * time.Hour
	defaultPaymentStatus     = "COMPLETED"
	placeholderPayerEmail    = "customer@astroshop.invalid"
	paymentSourceDirect      = "direct"
	directPaymentIDPrefix    = "DIRECT-"
	maxPaymentEmailLength    = 254
	maxPaymentStatusLength   = 64
	maxPaymentUpdateTimeSize = 64
)

// FulfillmentServiceDeps wires the collaborators of the order state machine.
type FulfillmentServiceDeps struct {
	Orders     repositories.OrderRepository
	Stock      repositories.StockLedger
	UnitOfWork repositories.UnitOfWork
	Downloads  DownloadLinkIssuer
	GrantTTL   time.Duration
	Clock      func() time.Time
	// IDGenerator supplies the unique part of download grant ids.
	IDGenerator func() string
	Events      OrderEventPublisher
	Telemetry   *Telemetry
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	orders     repositories.OrderRepository
	stock      repositories.StockLedger
	unitOfWork repositories.UnitOfWork
	downloads  DownloadLinkIssuer
	grantTTL   time.Duration
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	telemetry  *Telemetry
	logger     func(context.Context, string, map[string]any)
}

var _ FulfillmentService = (*fulfillmentService)(nil)

// NewFulfillmentService constructs the order state machine.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("fulfillment service: stock ledger is required")
	}
	if deps.Downloads == nil {
		return nil, errors.New("fulfillment service: download link issuer is required")
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
		idGen = func() string { return ulid.Make().String() }
	}
	ttl := deps.GrantTTL
	if ttl <= 0 {
		ttl = defaultDownloadGrantTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = defaultTelemetry()
	}

	return &fulfillmentService{
		orders:     deps.Orders,
		stock:      deps.Stock,
		unitOfWork: unit,
		downloads:  deps.Downloads,
		grantTTL:   ttl,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		events:     deps.Events,
		telemetry:  telemetry,
		logger:     logger,
	}, nil
}

// ConfirmPayment records the payment, moves a pending order to processing and, for digital
// orders, issues one download grant per line. Confirming an already paid order returns it
// unchanged.
func (s *fulfillmentService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (order Order, err error) {
	ctx, span := s.telemetry.start(ctx, "fulfillment.confirm_payment", attribute.String("order.id", cmd.OrderID))
	defer func() { endSpan(span, err) }()

	source := strings.TrimSpace(cmd.Source)
	if source == "" {
		source = paymentSourceDirect
	}

	var (
		previous domain.OrderStatus
		changed  bool
	)
	order, err = s.transition(ctx, cmd.OrderID, cmd.Actor, func(txCtx context.Context, order *Order, now time.Time) (bool, error) {
		changed = false
		previous = order.Status
		if order.IsPaid {
			return false, nil
		}
		switch order.Status {
		case domain.OrderStatusCancelled, domain.OrderStatusRefunded:
			return false, fmt.Errorf("%w: cannot pay a %s order", ErrOrderInvalidState, order.Status)
		}

		paidAt := now
		order.IsPaid = true
		order.PaidAt = &paidAt
		order.Payment = s.paymentRecord(cmd.Payment, source, now)
		if order.Status == domain.OrderStatusPending {
			order.Status = domain.OrderStatusProcessing
		}
		if order.IsDigital {
			grants, err := s.issueGrants(txCtx, *order, now)
			if err != nil {
				return false, err
			}
			order.DownloadGrants = grants
		}
		changed = true
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return order, nil
	}

	s.logger(ctx, "order.paid", map[string]any{
		"orderID": order.ID,
		"source":  source,
		"grants":  len(order.DownloadGrants),
	})
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           orderEventPaid,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorOrSource(cmd.Actor, source),
		OccurredAt:     order.UpdatedAt,
		Metadata: map[string]any{
			"paymentId": order.Payment.ID,
			"source":    source,
			"grants":    len(order.DownloadGrants),
		},
	})
	return order, nil
}

// MarkCompleted sets the fulfilment flags and moves the order to completed.
func (s *fulfillmentService) MarkCompleted(ctx context.Context, cmd MarkCompletedCommand) (order Order, err error) {
	ctx, span := s.telemetry.start(ctx, "fulfillment.mark_completed", attribute.String("order.id", cmd.OrderID))
	defer func() { endSpan(span, err) }()

	var previous domain.OrderStatus
	changed := false
	order, err = s.transition(ctx, cmd.OrderID, nil, func(_ context.Context, order *Order, now time.Time) (bool, error) {
		changed = false
		previous = order.Status
		switch order.Status {
		case domain.OrderStatusCancelled, domain.OrderStatusRefunded:
			return false, fmt.Errorf("%w: cannot complete a %s order", ErrOrderInvalidState, order.Status)
		case domain.OrderStatusCompleted:
			if order.IsFulfilled {
				return false, nil
			}
		}
		markFulfilled(order, now)
		changed = true
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
			Type:           orderEventCompleted,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			UserID:         order.UserID,
			PreviousStatus: string(previous),
			CurrentStatus:  string(order.Status),
			ActorID:        strings.TrimSpace(cmd.ActorID),
			OccurredAt:     order.UpdatedAt,
		})
	}
	return order, nil
}

// SetStatus is the administrative status write. Completing sets the fulfilment flags and
// cancelling restores reserved stock once.
func (s *fulfillmentService) SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (order Order, err error) {
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	ctx, span := s.telemetry.start(ctx, "fulfillment.set_status",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.status", string(target)),
	)
	defer func() { endSpan(span, err) }()

	var (
		previous domain.OrderStatus
		restored []domain.StockAdjustment
	)
	order, err = s.transition(ctx, cmd.OrderID, nil, func(txCtx context.Context, order *Order, now time.Time) (bool, error) {
		previous = order.Status
		restored = nil
		if order.Status == target {
			return false, nil
		}
		switch target {
		case domain.OrderStatusCompleted:
			markFulfilled(order, now)
		case domain.OrderStatusCancelled:
			adj, err := s.cancel(txCtx, order, now)
			if err != nil {
				return false, err
			}
			restored = adj
		default:
			order.Status = target
		}
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if previous == order.Status {
		return order, nil
	}

	s.telemetry.stockMoved(ctx, "restore", unitsMoved(restored))
	eventType := orderEventStatusChanged
	switch order.Status {
	case domain.OrderStatusCancelled:
		eventType = orderEventCancelled
	case domain.OrderStatusCompleted:
		eventType = orderEventCompleted
	}
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     order.UpdatedAt,
		Metadata:       map[string]any{"stockRestored": len(restored) > 0},
	})
	return order, nil
}

// Cancel lets an owner cancel an unpaid pending order. Cancelling a cancelled order is a no-op.
func (s *fulfillmentService) Cancel(ctx context.Context, cmd CancelOrderCommand) (order Order, err error) {
	ctx, span := s.telemetry.start(ctx, "fulfillment.cancel", attribute.String("order.id", cmd.OrderID))
	defer func() { endSpan(span, err) }()

	var (
		previous domain.OrderStatus
		restored []domain.StockAdjustment
	)
	order, err = s.transition(ctx, cmd.OrderID, cmd.Actor, func(txCtx context.Context, order *Order, now time.Time) (bool, error) {
		previous = order.Status
		restored = nil
		if order.Status == domain.OrderStatusCancelled {
			return false, nil
		}
		admin := cmd.Actor == nil || cmd.Actor.Admin
		if order.Status != domain.OrderStatusPending || (order.IsPaid && !admin) {
			return false, fmt.Errorf("%w: only unpaid pending orders can be cancelled", ErrOrderInvalidState)
		}
		adj, err := s.cancel(txCtx, order, now)
		if err != nil {
			return false, err
		}
		restored = adj
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if previous == domain.OrderStatusCancelled {
		return order, nil
	}

	s.telemetry.stockMoved(ctx, "restore", unitsMoved(restored))
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           orderEventCancelled,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.Actor.id(),
		OccurredAt:     order.UpdatedAt,
		Metadata:       map[string]any{"stockRestored": len(restored) > 0},
	})
	return order, nil
}

// RedeemDownload returns an unexpired grant and flags it downloaded.
func (s *fulfillmentService) RedeemDownload(ctx context.Context, cmd RedeemDownloadCommand) (DownloadGrant, error) {
	grantID := strings.TrimSpace(cmd.GrantID)
	if grantID == "" {
		return DownloadGrant{}, fmt.Errorf("%w: grant id is required", ErrOrderInvalidInput)
	}

	var grant DownloadGrant
	_, err := s.transition(ctx, cmd.OrderID, cmd.Actor, func(_ context.Context, order *Order, now time.Time) (bool, error) {
		idx := slices.IndexFunc(order.DownloadGrants, func(g DownloadGrant) bool { return g.ID == grantID })
		if idx < 0 {
			return false, ErrDownloadNotFound
		}
		g := &order.DownloadGrants[idx]
		if g.Expired(now) {
			return false, ErrDownloadExpired
		}
		if g.Downloaded {
			grant = *g
			return false, nil
		}
		downloadedAt := now
		g.Downloaded = true
		g.DownloadedAt = &downloadedAt
		grant = *g
		return true, nil
	})
	if err != nil {
		return DownloadGrant{}, err
	}
	return grant, nil
}

// transition loads the order inside a unit of work, applies fn and persists when fn reports a
// change. Orders the actor may not see are reported as not found.
func (s *fulfillmentService) transition(ctx context.Context, orderID string, actor *Actor, fn func(ctx context.Context, order *Order, now time.Time) (bool, error)) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var result Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			if repositories.IsInvalid(err) {
				return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
			}
			return err
		}
		if !actor.canAccess(order) {
			return ErrOrderNotFound
		}
		now := s.clock()
		changed, err := fn(txCtx, &order, now)
		if err != nil {
			return err
		}
		if changed {
			order.UpdatedAt = now
			if err := s.orders.Update(txCtx, order); err != nil {
				return err
			}
		}
		result = order
		return nil
	})
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return result, nil
}

// cancel sets the cancelled state and restores stock only when it is still reserved.
func (s *fulfillmentService) cancel(ctx context.Context, order *Order, now time.Time) ([]domain.StockAdjustment, error) {
	var restored []domain.StockAdjustment
	if order.StockState == domain.StockStateReserved {
		restored = stockRestorations(*order)
		if len(restored) > 0 {
			if err := s.stock.Adjust(ctx, restored); err != nil {
				return nil, fmt.Errorf("restore stock: %w", err)
			}
		}
		order.StockState = domain.StockStateRestored
	}
	cancelledAt := now
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &cancelledAt
	return restored, nil
}

func (s *fulfillmentService) issueGrants(ctx context.Context, order Order, now time.Time) ([]DownloadGrant, error) {
	grants := make([]DownloadGrant, 0, len(order.Items))
	for _, item := range order.Items {
		grantID := downloadGrantIDPrefix + s.newID()
		url, err := s.downloads.IssueDownloadLink(ctx, DownloadLinkRequest{
			OrderID:          order.ID,
			GrantID:          grantID,
			CatalogProductID: item.CatalogProductID,
			ReferenceID:      item.ReferenceID,
			ExpiresIn:        s.grantTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("issue download link for %s: %w", item.ReferenceID, err)
		}
		grants = append(grants, DownloadGrant{
			ID:               grantID,
			CatalogProductID: item.CatalogProductID,
			ReferenceID:      item.ReferenceID,
			URL:              url,
			ExpiresAt:        now.Add(s.grantTTL),
		})
	}
	return grants, nil
}

func (s *fulfillmentService) paymentRecord(details PaymentDetails, source string, now time.Time) *PaymentRecord {
	id := sanitizeText(details.ID, maxPaymentFieldLength)
	if id == "" {
		id = directPaymentIDPrefix + s.newID()
	}
	status := sanitizeText(details.Status, maxPaymentStatusLength)
	if status == "" {
		status = defaultPaymentStatus
	}
	email := sanitizeText(details.PayerEmail, maxPaymentEmailLength)
	if email == "" {
		email = placeholderPayerEmail
	}
	updateTime := sanitizeText(details.UpdateTime, maxPaymentUpdateTimeSize)
	if updateTime == "" {
		updateTime = now.Format(time.RFC3339)
	}
	return &PaymentRecord{
		ID:         id,
		Status:     status,
		UpdateTime: updateTime,
		PayerEmail: email,
		Source:     source,
		RecordedAt: now,
	}
}

func markFulfilled(order *Order, now time.Time) {
	fulfilledAt := now
	order.IsFulfilled = true
	order.FulfilledAt = &fulfilledAt
	order.Status = domain.OrderStatusCompleted
}

func actorOrSource(actor *Actor, source string) string {
	if id := actor.id(); id != "" {
		return id
	}
	return source
}
