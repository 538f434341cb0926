package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/platform/httpx"
	"github.com/astroshop/api/internal/platform/pagination"
	"github.com/astroshop/api/internal/services"
)

const (
	maxOrderBodySize       = 128 * 1024
	maxOrderStatusBodySize = 4 * 1024
	defaultCheckoutLimit   = 10
	defaultCheckoutWindow  = time.Minute
)

func orderStatusFilterValues() []string {
	values := make([]string, 0, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		values = append(values, string(status))
	}
	return values
}

// OrderHandlers exposes checkout, order queries and the order state transitions.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	fulfillment services.FulfillmentService
	idempotency func(http.Handler) http.Handler
	limiter     *checkoutLimiter
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderIdempotency applies mw to order creation and payment confirmation.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithCheckoutRateLimit caps order creation per user within window. A non-positive limit disables it.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.limiter = newCheckoutLimiter(limit, window, clock)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, fulfillment services.FulfillmentService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:       authn,
		orders:      orders,
		fulfillment: fulfillment,
		limiter:     newCheckoutLimiter(defaultCheckoutLimit, defaultCheckoutWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser())
	}
	idem := h.idempotency
	if idem == nil {
		idem = func(next http.Handler) http.Handler { return next }
	}

	r.With(idem).Post("/", h.createOrder)
	r.Get("/myorders", h.listMyOrders)
	r.Get("/{orderID}", h.getOrder)
	r.With(idem).Put("/{orderID}/pay", h.confirmPayment)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/downloads/{grantID}", h.redeemDownload)

	r.Group(func(admin chi.Router) {
		admin.Use(requireAdminRole)
		admin.Get("/", h.listOrders)
		admin.Put("/{orderID}/status", h.setStatus)
		admin.Put("/{orderID}/deliver", h.markDelivered)
	})
}

type createOrderRequest struct {
	OrderItems      []orderItemRequest     `json:"orderItems"`
	ShippingAddress shippingAddressRequest `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	TaxPrice        int64                  `json:"taxPrice"`
	ShippingPrice   int64                  `json:"shippingPrice"`
	TotalPrice      int64                  `json:"totalPrice"`
	OrderNotes      string                 `json:"orderNotes"`
	IsDigitalOrder  bool                   `json:"isDigitalOrder"`
}

type orderItemRequest struct {
	Product  string `json:"product"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
	Image    string `json:"image"`
}

type shippingAddressRequest struct {
	Address    string `json:"address"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

func (req createOrderRequest) toCommand(userID string) services.CreateOrderCommand {
	items := make([]services.OrderItemRequest, 0, len(req.OrderItems))
	for _, item := range req.OrderItems {
		items = append(items, services.OrderItemRequest{
			ReferenceID: item.Product,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.Price,
			ImageURL:    item.Image,
		})
	}
	street := req.ShippingAddress.Street
	if strings.TrimSpace(street) == "" {
		street = req.ShippingAddress.Address
	}
	return services.CreateOrderCommand{
		UserID: userID,
		Items:  items,
		ShippingAddress: services.Address{
			Street:     street,
			City:       req.ShippingAddress.City,
			PostalCode: req.ShippingAddress.PostalCode,
			Country:    req.ShippingAddress.Country,
		},
		PaymentMethod:  req.PaymentMethod,
		TaxAmount:      req.TaxPrice,
		ShippingAmount: req.ShippingPrice,
		TotalAmount:    req.TotalPrice,
		Notes:          req.OrderNotes,
		IsDigital:      req.IsDigitalOrder,
	}
}

// paymentRequest accepts the payer email either top level or nested under payer.
type paymentRequest struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	UpdateTime   string `json:"update_time"`
	EmailAddress string `json:"email_address"`
	Payer        *struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

func (req paymentRequest) toDetails() services.PaymentDetails {
	email := strings.TrimSpace(req.EmailAddress)
	if email == "" && req.Payer != nil {
		email = strings.TrimSpace(req.Payer.EmailAddress)
	}
	return services.PaymentDetails{
		ID:         req.ID,
		Status:     req.Status,
		UpdateTime: req.UpdateTime,
		PayerEmail: email,
	}
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.orders != nil) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if ok, retryAfter := h.limiter.Allow(identity.UID); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; try again shortly", http.StatusTooManyRequests))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	order, err := h.orders.CreateOrder(ctx, req.toCommand(identity.UID))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Location", strings.TrimRight(r.URL.Path, "/")+"/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.orders != nil) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"), actorFromIdentity(identity))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.orders != nil) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orders, err := h.orders.ListUserOrders(ctx, identity.UID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	payload := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		payload = append(payload, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.orders != nil) {
		return
	}

	params, err := pagination.Parse(r.URL.Query(), pagination.Options{
		AllowedFilters: map[string][]string{"status": orderStatusFilterValues()},
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		Status: domain.OrderStatus(params.Filter("status")),
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.fulfillment != nil) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req paymentRequest
	if !decodeJSONBody(ctx, w, r, maxOrderStatusBodySize, &req) {
		return
	}

	order, err := h.fulfillment.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Actor:   actorFromIdentity(identity),
		Payment: req.toDetails(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.fulfillment != nil) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req setStatusRequest
	if !decodeJSONBody(ctx, w, r, maxOrderStatusBodySize, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.fulfillment.SetStatus(ctx, services.SetOrderStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  services.OrderStatus(req.Status),
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.fulfillment != nil) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.fulfillment.MarkCompleted(ctx, services.MarkCompletedCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.fulfillment != nil) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.fulfillment.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) redeemDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w, h.fulfillment != nil) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	// Download links are personal; admins read grants through GET /orders/{id}.
	grant, err := h.fulfillment.RedeemDownload(ctx, services.RedeemDownloadCommand{
		OrderID: chi.URLParam(r, "orderID"),
		GrantID: chi.URLParam(r, "grantID"),
		Actor:   &services.Actor{ID: identity.UID},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, buildDownloadGrantPayload(grant))
}

func (h *OrderHandlers) available(ctx context.Context, w http.ResponseWriter, ok bool) bool {
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	}
	return ok
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var mismatch *services.PriceMismatchError
	switch {
	case errors.As(err, &mismatch):
		httpx.WriteError(ctx, w, httpx.NewError("price_mismatch", err.Error(), http.StatusBadRequest).WithDetails(map[string]any{
			"itemIndex":   mismatch.Index,
			"referenceId": mismatch.ReferenceID,
			"clientPrice": mismatch.ClientPrice,
			"serverPrice": mismatch.ServerPrice,
		}))
	case errors.Is(err, services.ErrOrderPriceMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("price_mismatch", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("empty_order", "order has no items", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDownloadNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("download_not_found", "download not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDownloadExpired):
		httpx.WriteError(ctx, w, httpx.NewError("download_expired", "download link has expired", http.StatusGone))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
