package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/platform/idempotency"
	"github.com/astroshop/api/internal/services"
)

type stubOrderService struct {
	createFunc   func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error)
	getFunc      func(ctx context.Context, orderID string, actor *services.Actor) (services.Order, error)
	listUserFunc func(ctx context.Context, userID string) ([]services.Order, error)
	listFunc     func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFunc == nil {
		return services.Order{}, fmt.Errorf("unexpected CreateOrder")
	}
	return s.createFunc(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, actor *services.Actor) (services.Order, error) {
	if s.getFunc == nil {
		return services.Order{}, fmt.Errorf("unexpected GetOrder")
	}
	return s.getFunc(ctx, orderID, actor)
}

func (s *stubOrderService) ListUserOrders(ctx context.Context, userID string) ([]services.Order, error) {
	if s.listUserFunc == nil {
		return nil, fmt.Errorf("unexpected ListUserOrders")
	}
	return s.listUserFunc(ctx, userID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFunc == nil {
		return domain.CursorPage[services.Order]{}, fmt.Errorf("unexpected ListOrders")
	}
	return s.listFunc(ctx, filter)
}

type stubFulfillmentService struct {
	confirmFunc  func(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error)
	completeFunc func(ctx context.Context, cmd services.MarkCompletedCommand) (services.Order, error)
	statusFunc   func(ctx context.Context, cmd services.SetOrderStatusCommand) (services.Order, error)
	cancelFunc   func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
	redeemFunc   func(ctx context.Context, cmd services.RedeemDownloadCommand) (services.DownloadGrant, error)
}

func (s *stubFulfillmentService) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
	if s.confirmFunc == nil {
		return services.Order{}, fmt.Errorf("unexpected ConfirmPayment")
	}
	return s.confirmFunc(ctx, cmd)
}

func (s *stubFulfillmentService) MarkCompleted(ctx context.Context, cmd services.MarkCompletedCommand) (services.Order, error) {
	if s.completeFunc == nil {
		return services.Order{}, fmt.Errorf("unexpected MarkCompleted")
	}
	return s.completeFunc(ctx, cmd)
}

func (s *stubFulfillmentService) SetStatus(ctx context.Context, cmd services.SetOrderStatusCommand) (services.Order, error) {
	if s.statusFunc == nil {
		return services.Order{}, fmt.Errorf("unexpected SetStatus")
	}
	return s.statusFunc(ctx, cmd)
}

func (s *stubFulfillmentService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFunc == nil {
		return services.Order{}, fmt.Errorf("unexpected Cancel")
	}
	return s.cancelFunc(ctx, cmd)
}

func (s *stubFulfillmentService) RedeemDownload(ctx context.Context, cmd services.RedeemDownloadCommand) (services.DownloadGrant, error) {
	if s.redeemFunc == nil {
		return services.DownloadGrant{}, fmt.Errorf("unexpected RedeemDownload")
	}
	return s.redeemFunc(ctx, cmd)
}

var orderTestTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func sampleOrder(id string) services.Order {
	return services.Order{
		ID:          id,
		OrderNumber: "AS-2026-000001",
		UserID:      "user-1",
		Items: []services.OrderLineItem{
			{ReferenceID: "astro-career", Name: "Astrology: Career", UnitPrice: 8499, Quantity: 1},
		},
		PaymentMethod: "PayPal",
		Totals:        services.OrderTotals{Items: 8499, Total: 8499},
		IsDigital:     true,
		Status:        domain.OrderStatusPending,
		StockState:    domain.StockStateNone,
		CreatedAt:     orderTestTime,
		UpdatedAt:     orderTestTime,
	}
}

func newOrderRouter(orders services.OrderService, fulfillment services.FulfillmentService, opts ...OrderHandlerOption) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, orders, fulfillment, opts...).Routes)
	return router
}

func orderRequest(method, target, body string, identity *auth.Identity) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

var (
	shopperIdentity = &auth.Identity{UID: "user-1"}
	adminIdentity   = &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}
)

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	return body
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	var got services.CreateOrderCommand
	orders := &stubOrderService{
		createFunc: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			got = cmd
			return sampleOrder("ord_1"), nil
		},
	}

	body := `{"orderItems":[{"product":"astro-career","name":"Career","quantity":1,"price":8499,"image":"/x.jpg"}],
		"shippingAddress":{"address":"12 MG Road","city":"Pune","postalCode":"411001","country":"IN"},
		"paymentMethod":"PayPal","taxPrice":0,"shippingPrice":0,"totalPrice":8499,"orderNotes":"call first","isDigitalOrder":true}`
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, orderRequest(http.MethodPost, "/orders", body, shopperIdentity))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.UserID != "user-1" || len(got.Items) != 1 || got.Items[0].ReferenceID != "astro-career" || got.Items[0].UnitPrice != 8499 {
		t.Fatalf("unexpected command %+v", got)
	}
	if got.ShippingAddress.Street != "12 MG Road" || !got.IsDigital || got.Notes != "call first" || got.TotalAmount != 8499 {
		t.Fatalf("unexpected command fields %+v", got)
	}
	if loc := rr.Header().Get("Location"); loc != "/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}
	var payload orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "pending" || payload.IsPaid || payload.DownloadGrants == nil {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestOrderHandlersCreateOrderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"price mismatch", &services.PriceMismatchError{Index: 0, ReferenceID: "tarot-reading", ClientPrice: 1, ServerPrice: 999}, http.StatusBadRequest, "price_mismatch"},
		{"empty", services.ErrOrderEmpty, http.StatusBadRequest, "empty_order"},
		{"validation", fmt.Errorf("%w: payment method is required", services.ErrOrderInvalidInput), http.StatusBadRequest, "invalid_request"},
		{"unavailable", services.ErrOrderUnavailable, http.StatusServiceUnavailable, "order_service_unavailable"},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "order_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &stubOrderService{
				createFunc: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			rr := httptest.NewRecorder()
			newOrderRouter(orders, nil).ServeHTTP(rr, orderRequest(http.MethodPost, "/orders", `{"orderItems":[]}`, shopperIdentity))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			body := decodeError(t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestOrderHandlersPriceMismatchDetails(t *testing.T) {
	orders := &stubOrderService{
		createFunc: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("build order: %w", &services.PriceMismatchError{Index: 1, ReferenceID: "prod-1", ClientPrice: 9000, ServerPrice: 12000})
		},
	}
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, orderRequest(http.MethodPost, "/orders", `{}`, shopperIdentity))

	body := decodeError(t, rr)
	if body["referenceId"] != "prod-1" || body["serverPrice"] != float64(12000) || body["itemIndex"] != float64(1) {
		t.Fatalf("expected mismatch details, got %v", body)
	}
}

func TestOrderHandlersCheckoutRateLimit(t *testing.T) {
	orders := &stubOrderService{
		createFunc: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return sampleOrder("ord_1"), nil
		},
	}
	router := newOrderRouter(orders, nil, WithCheckoutRateLimit(1, time.Minute, func() time.Time { return orderTestTime }))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodPost, "/orders", `{}`, shopperIdentity))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected first checkout to pass, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodPost, "/orders", `{}`, shopperIdentity))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
}

func TestOrderHandlersCreateOrderReplaysIdempotentRequest(t *testing.T) {
	calls := 0
	orders := &stubOrderService{
		createFunc: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			calls++
			return sampleOrder(fmt.Sprintf("ord_%d", calls)), nil
		},
	}
	router := newOrderRouter(orders, nil, WithOrderIdempotency(idempotency.Middleware(idempotency.NewMemoryStore())))

	var ids []string
	for i := 0; i < 2; i++ {
		req := orderRequest(http.MethodPost, "/orders", `{"orderItems":[{"product":"astro-career","price":8499,"quantity":1}]}`, shopperIdentity)
		req.Header.Set("Idempotency-Key", "checkout-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected 201, got %d", i, rr.Code)
		}
		var payload orderPayload
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		ids = append(ids, payload.ID)
	}
	if calls != 1 || ids[0] != ids[1] {
		t.Fatalf("expected replayed response, calls=%d ids=%v", calls, ids)
	}
}

func TestOrderHandlersGetOrderPassesActor(t *testing.T) {
	orders := &stubOrderService{
		getFunc: func(_ context.Context, orderID string, actor *services.Actor) (services.Order, error) {
			if orderID != "ord_1" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			if actor.ID == "user-2" {
				return services.Order{}, services.ErrOrderNotFound
			}
			if actor.ID == "admin-1" && !actor.Admin {
				t.Fatalf("expected admin actor")
			}
			return sampleOrder(orderID), nil
		},
	}
	router := newOrderRouter(orders, nil)

	for _, tc := range []struct {
		identity *auth.Identity
		status   int
	}{
		{shopperIdentity, http.StatusOK},
		{adminIdentity, http.StatusOK},
		{&auth.Identity{UID: "user-2"}, http.StatusNotFound},
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, orderRequest(http.MethodGet, "/orders/ord_1", "", tc.identity))
		if rr.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.identity.UID, tc.status, rr.Code)
		}
	}
}

func TestOrderHandlersListMyOrders(t *testing.T) {
	orders := &stubOrderService{
		listUserFunc: func(_ context.Context, userID string) ([]services.Order, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user %q", userID)
			}
			return []services.Order{}, nil
		},
	}
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, orderRequest(http.MethodGet, "/orders/myorders", "", shopperIdentity))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlersAdminListing(t *testing.T) {
	var got services.OrderListFilter
	orders := &stubOrderService{
		listFunc: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			got = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder("ord_1")}, NextPageToken: "next"}, nil
		},
	}
	router := newOrderRouter(orders, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodGet, "/orders", "", shopperIdentity))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for shoppers, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodGet, "/orders?status=pending&pageSize=500", "", adminIdentity))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Status != domain.OrderStatusPending || got.Pagination.PageSize != 100 {
		t.Fatalf("unexpected filter %+v", got)
	}
	var body orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.NextPageToken != "next" {
		t.Fatalf("unexpected listing %+v", body)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodGet, "/orders?status=shipped", "", adminIdentity))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
}

func TestOrderHandlersConfirmPayment(t *testing.T) {
	var got services.ConfirmPaymentCommand
	fulfillment := &stubFulfillmentService{
		confirmFunc: func(_ context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
			got = cmd
			order := sampleOrder(cmd.OrderID)
			paidAt := orderTestTime
			order.IsPaid = true
			order.PaidAt = &paidAt
			order.Status = domain.OrderStatusProcessing
			order.Payment = &services.PaymentRecord{ID: "DIRECT-1", Status: "COMPLETED", PayerEmail: "a@b.com"}
			order.DownloadGrants = []services.DownloadGrant{{ID: "dlg_1", ReferenceID: "astro-career", URL: "https://downloads.test/x", ExpiresAt: paidAt.Add(7 * 24 * time.Hour)}}
			return order, nil
		},
	}

	body := `{"id":"DIRECT-1","status":"COMPLETED","update_time":"2026-03-14T12:00:00Z","payer":{"email_address":"a@b.com"}}`
	rr := httptest.NewRecorder()
	newOrderRouter(nil, fulfillment).ServeHTTP(rr, orderRequest(http.MethodPut, "/orders/ord_1/pay", body, shopperIdentity))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Payment.PayerEmail != "a@b.com" || got.Payment.ID != "DIRECT-1" || got.Actor == nil || got.Actor.ID != "user-1" {
		t.Fatalf("unexpected command %+v", got)
	}
	var payload orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.IsPaid || payload.Payment == nil || payload.Payment.PayerEmail != "a@b.com" || len(payload.DownloadGrants) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestOrderHandlersAdminTransitions(t *testing.T) {
	fulfillment := &stubFulfillmentService{
		statusFunc: func(_ context.Context, cmd services.SetOrderStatusCommand) (services.Order, error) {
			if cmd.Status == "bogus" {
				return services.Order{}, fmt.Errorf("%w: unknown status", services.ErrOrderInvalidInput)
			}
			order := sampleOrder(cmd.OrderID)
			order.Status = cmd.Status
			return order, nil
		},
		completeFunc: func(_ context.Context, cmd services.MarkCompletedCommand) (services.Order, error) {
			if cmd.ActorID != "admin-1" {
				t.Fatalf("unexpected actor %q", cmd.ActorID)
			}
			order := sampleOrder(cmd.OrderID)
			order.Status = domain.OrderStatusCompleted
			order.IsFulfilled = true
			return order, nil
		},
	}
	router := newOrderRouter(nil, fulfillment)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodPut, "/orders/ord_1/status", `{"status":"cancelled"}`, shopperIdentity))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodPut, "/orders/ord_1/status", `{"status":"cancelled"}`, adminIdentity))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodPut, "/orders/ord_1/status", `{"status":"bogus"}`, adminIdentity))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, orderRequest(http.MethodPut, "/orders/ord_1/deliver", "", adminIdentity))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestOrderHandlersCancelInvalidState(t *testing.T) {
	fulfillment := &stubFulfillmentService{
		cancelFunc: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			if cmd.Actor == nil || cmd.Actor.ID != "user-1" {
				t.Fatalf("unexpected actor %+v", cmd.Actor)
			}
			return services.Order{}, fmt.Errorf("%w: only unpaid pending orders can be cancelled", services.ErrOrderInvalidState)
		},
	}
	rr := httptest.NewRecorder()
	newOrderRouter(nil, fulfillment).ServeHTTP(rr, orderRequest(http.MethodPost, "/orders/ord_1/cancel", "", shopperIdentity))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestOrderHandlersRedeemDownload(t *testing.T) {
	fulfillment := &stubFulfillmentService{
		redeemFunc: func(_ context.Context, cmd services.RedeemDownloadCommand) (services.DownloadGrant, error) {
			switch cmd.GrantID {
			case "dlg_expired":
				return services.DownloadGrant{}, services.ErrDownloadExpired
			case "dlg_missing":
				return services.DownloadGrant{}, services.ErrDownloadNotFound
			}
			downloadedAt := orderTestTime
			return services.DownloadGrant{ID: cmd.GrantID, URL: "https://downloads.test/x", ExpiresAt: orderTestTime.Add(time.Hour), Downloaded: true, DownloadedAt: &downloadedAt}, nil
		},
	}
	router := newOrderRouter(nil, fulfillment)

	for grant, status := range map[string]int{"dlg_ok": http.StatusOK, "dlg_expired": http.StatusGone, "dlg_missing": http.StatusNotFound} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, orderRequest(http.MethodPost, "/orders/ord_1/downloads/"+grant, "", shopperIdentity))
		if rr.Code != status {
			t.Fatalf("%s: expected %d, got %d", grant, status, rr.Code)
		}
	}
}

func TestOrderHandlersServiceUnavailable(t *testing.T) {
	rr := httptest.NewRecorder()
	newOrderRouter(nil, nil).ServeHTTP(rr, orderRequest(http.MethodGet, "/orders/ord_1", "", shopperIdentity))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

var (
	_ services.OrderService       = (*stubOrderService)(nil)
	_ services.FulfillmentService = (*stubFulfillmentService)(nil)
)
