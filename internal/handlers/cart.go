package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/platform/httpx"
	"github.com/astroshop/api/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser())
	}
	r.Get("/", h.getCart)
	r.Post("/", h.addItem)
	r.Delete("/", h.clearCart)
	r.Post("/refresh", h.refreshPrices)
	r.Put("/{lineItemID}", h.updateQuantity)
	r.Delete("/{lineItemID}", h.removeItem)
}

type addCartItemRequest struct {
	ReferenceID string `json:"referenceId"`
	Quantity    *int   `json:"quantity"`
}

type updateCartItemRequest struct {
	Quantity *int `json:"quantity"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, userID string) (services.Cart, error) {
		return h.carts.GetCart(ctx, userID)
	})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if !decodeJSONBody(r.Context(), w, r, maxCartBodySize, &req) {
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	h.serve(w, r, func(ctx context.Context, userID string) (services.Cart, error) {
		return h.carts.AddItem(ctx, services.AddCartItemCommand{
			UserID:      userID,
			ReferenceID: req.ReferenceID,
			Quantity:    quantity,
		})
	})
}

func (h *CartHandlers) updateQuantity(w http.ResponseWriter, r *http.Request) {
	var req updateCartItemRequest
	if !decodeJSONBody(r.Context(), w, r, maxCartBodySize, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}
	lineItemID := strings.TrimSpace(chi.URLParam(r, "lineItemID"))
	h.serve(w, r, func(ctx context.Context, userID string) (services.Cart, error) {
		return h.carts.UpdateQuantity(ctx, services.UpdateCartItemCommand{
			UserID:     userID,
			LineItemID: lineItemID,
			Quantity:   *req.Quantity,
		})
	})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	lineItemID := strings.TrimSpace(chi.URLParam(r, "lineItemID"))
	h.serveWithMessage(w, r, "item removed", func(ctx context.Context, userID string) (services.Cart, error) {
		return h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{UserID: userID, LineItemID: lineItemID})
	})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	h.serveWithMessage(w, r, "cart cleared", func(ctx context.Context, userID string) (services.Cart, error) {
		return h.carts.Clear(ctx, userID)
	})
}

func (h *CartHandlers) refreshPrices(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, userID string) (services.Cart, error) {
		return h.carts.RefreshPrices(ctx, userID)
	})
}

func (h *CartHandlers) serve(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (services.Cart, error)) {
	h.serveWithMessage(w, r, "", fn)
}

func (h *CartHandlers) serveWithMessage(w http.ResponseWriter, r *http.Request, message string, fn func(context.Context, string) (services.Cart, error)) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	cart, err := fn(ctx, identity.UID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	payload := buildCartPayload(cart)
	payload.Message = message
	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, payload)
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", "cart item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}

func setCartResponseHeaders(w http.ResponseWriter, cart services.Cart) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartETag(cart services.Cart) string {
	if strings.TrimSpace(cart.UserID) == "" || cart.UpdatedAt.IsZero() {
		return ""
	}
	input := fmt.Sprintf("%s:%d:%d", strings.TrimSpace(cart.UserID), cart.UpdatedAt.UTC().UnixNano(), cart.TotalAmount)
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:8]))
}

type cartPayload struct {
	Message     string            `json:"message,omitempty"`
	ID          string            `json:"id,omitempty"`
	UserID      string            `json:"userId"`
	Items       []cartItemPayload `json:"items"`
	ItemsCount  int               `json:"itemsCount"`
	TotalAmount int64             `json:"totalAmount"`
	UpdatedAt   string            `json:"updatedAt,omitempty"`
}

type cartItemPayload struct {
	ID               string `json:"id"`
	ReferenceID      string `json:"referenceId"`
	CatalogProductID string `json:"catalogProductId,omitempty"`
	Name             string `json:"name"`
	UnitPrice        int64  `json:"unitPrice"`
	Quantity         int    `json:"quantity"`
	ImageURL         string `json:"imageUrl,omitempty"`
	Subtotal         int64  `json:"subtotal"`
	AddedAt          string `json:"addedAt,omitempty"`
	UpdatedAt        string `json:"updatedAt,omitempty"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:          strings.TrimSpace(cart.ID),
		UserID:      strings.TrimSpace(cart.UserID),
		Items:       make([]cartItemPayload, 0, len(cart.Items)),
		ItemsCount:  len(cart.Items),
		TotalAmount: cart.TotalAmount,
		UpdatedAt:   formatTime(cart.UpdatedAt),
	}
	for _, item := range cart.Items {
		payload.Items = append(payload.Items, cartItemPayload{
			ID:               item.ID,
			ReferenceID:      item.ReferenceID,
			CatalogProductID: item.CatalogProductID,
			Name:             item.Name,
			UnitPrice:        item.UnitPrice,
			Quantity:         item.Quantity,
			ImageURL:         item.ImageURL,
			Subtotal:         item.Subtotal(),
			AddedAt:          formatTime(item.AddedAt),
			UpdatedAt:        formatTime(item.UpdatedAt),
		})
	}
	return payload
}
