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

	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/services"
)

type stubCartService struct {
	getFunc     func(ctx context.Context, userID string) (services.Cart, error)
	addFunc     func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error)
	updateFunc  func(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error)
	removeFunc  func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error)
	clearFunc   func(ctx context.Context, userID string) (services.Cart, error)
	refreshFunc func(ctx context.Context, userID string) (services.Cart, error)
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (services.Cart, error) {
	if s.getFunc == nil {
		return services.Cart{}, fmt.Errorf("unexpected GetCart")
	}
	return s.getFunc(ctx, userID)
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
	if s.addFunc == nil {
		return services.Cart{}, fmt.Errorf("unexpected AddItem")
	}
	return s.addFunc(ctx, cmd)
}

func (s *stubCartService) UpdateQuantity(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error) {
	if s.updateFunc == nil {
		return services.Cart{}, fmt.Errorf("unexpected UpdateQuantity")
	}
	return s.updateFunc(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
	if s.removeFunc == nil {
		return services.Cart{}, fmt.Errorf("unexpected RemoveItem")
	}
	return s.removeFunc(ctx, cmd)
}

func (s *stubCartService) Clear(ctx context.Context, userID string) (services.Cart, error) {
	if s.clearFunc == nil {
		return services.Cart{}, fmt.Errorf("unexpected Clear")
	}
	return s.clearFunc(ctx, userID)
}

func (s *stubCartService) RefreshPrices(ctx context.Context, userID string) (services.Cart, error) {
	if s.refreshFunc == nil {
		return services.Cart{}, fmt.Errorf("unexpected RefreshPrices")
	}
	return s.refreshFunc(ctx, userID)
}

func sampleCart(userID string, now time.Time) services.Cart {
	cart := services.Cart{
		ID:     userID,
		UserID: userID,
		Items: []services.CartItem{
			{ID: "cli_1", ReferenceID: "tarot-reading", Name: "Tarot Reading", UnitPrice: 999, Quantity: 2, ImageURL: "/images/services/tarot-reading.jpg", AddedAt: now, UpdatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	cart.Recalculate()
	return cart
}

func newCartRouter(service services.CartService) chi.Router {
	router := chi.NewRouter()
	router.Route("/cart", NewCartHandlers(nil, service).Routes)
	return router
}

func cartRequest(method, target, body, uid string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func TestCartHandlersGetCartSuccess(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	service := &stubCartService{
		getFunc: func(_ context.Context, userID string) (services.Cart, error) {
			if userID != "user-7" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return sampleCart(userID, now), nil
		},
	}

	rr := httptest.NewRecorder()
	newCartRouter(service).ServeHTTP(rr, cartRequest(http.MethodGet, "/cart", "", "user-7"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body cartPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.TotalAmount != 1998 || len(body.Items) != 1 || body.Items[0].Subtotal != 1998 {
		t.Fatalf("unexpected cart payload %+v", body)
	}
	if rr.Header().Get("ETag") == "" || rr.Header().Get("Cache-Control") == "" {
		t.Fatalf("expected cache headers, got %v", rr.Header())
	}
}

func TestCartHandlersRequireIdentity(t *testing.T) {
	rr := httptest.NewRecorder()
	newCartRouter(&stubCartService{}).ServeHTTP(rr, cartRequest(http.MethodGet, "/cart", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemDefaultsQuantity(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	var got services.AddCartItemCommand
	service := &stubCartService{
		addFunc: func(_ context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
			got = cmd
			return sampleCart(cmd.UserID, now), nil
		},
	}

	rr := httptest.NewRecorder()
	newCartRouter(service).ServeHTTP(rr, cartRequest(http.MethodPost, "/cart", `{"referenceId":"tarot-reading"}`, "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.UserID != "user-1" || got.ReferenceID != "tarot-reading" || got.Quantity != 1 {
		t.Fatalf("unexpected command %+v", got)
	}
}

func TestCartHandlersUpdateQuantityValidation(t *testing.T) {
	service := &stubCartService{
		updateFunc: func(_ context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error) {
			if cmd.LineItemID != "cli_1" {
				t.Fatalf("unexpected line item %q", cmd.LineItemID)
			}
			return services.Cart{}, fmt.Errorf("%w: quantity must be at least 1", services.ErrCartInvalidInput)
		},
	}
	router := newCartRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, cartRequest(http.MethodPut, "/cart/cli_1", `{"quantity":0}`, "user-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, cartRequest(http.MethodPut, "/cart/cli_1", `{}`, "user-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing quantity, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, cartRequest(http.MethodPut, "/cart/cli_1", `{"quantity":`, "user-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rr.Code)
	}
}

func TestCartHandlersUpdateUnknownLineItem(t *testing.T) {
	service := &stubCartService{
		updateFunc: func(context.Context, services.UpdateCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartNotFound
		},
	}

	rr := httptest.NewRecorder()
	newCartRouter(service).ServeHTTP(rr, cartRequest(http.MethodPut, "/cart/cli_missing", `{"quantity":2}`, "user-1"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCartHandlersRemoveAndClearConfirm(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	empty := services.Cart{ID: "user-1", UserID: "user-1", UpdatedAt: now}
	service := &stubCartService{
		removeFunc: func(_ context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
			if cmd.LineItemID != "cli_1" {
				t.Fatalf("unexpected line item %q", cmd.LineItemID)
			}
			return empty, nil
		},
		clearFunc: func(context.Context, string) (services.Cart, error) { return empty, nil },
	}
	router := newCartRouter(service)

	for target, message := range map[string]string{"/cart/cli_1": "item removed", "/cart": "cart cleared"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, cartRequest(http.MethodDelete, target, "", "user-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", target, rr.Code)
		}
		var body cartPayload
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Message != message || body.Items == nil || body.TotalAmount != 0 {
			t.Fatalf("%s: unexpected payload %+v", target, body)
		}
	}
}

func TestCartHandlersRefreshUnavailable(t *testing.T) {
	service := &stubCartService{
		refreshFunc: func(context.Context, string) (services.Cart, error) {
			return services.Cart{}, services.ErrCartUnavailable
		},
	}

	rr := httptest.NewRecorder()
	newCartRouter(service).ServeHTTP(rr, cartRequest(http.MethodPost, "/cart/refresh", "", "user-1"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

var _ services.CartService = (*stubCartService)(nil)
