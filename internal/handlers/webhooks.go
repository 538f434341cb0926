package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/platform/httpx"
	"github.com/astroshop/api/internal/services"
)

const maxPaymentWebhookBodySize = 16 * 1024

// PaymentWebhookHandlers accepts payment confirmations from the payment operator. The HMAC
// signature check runs in the router's webhook middleware group.
type PaymentWebhookHandlers struct {
	fulfillment services.FulfillmentService
}

// NewPaymentWebhookHandlers constructs the webhook handlers.
func NewPaymentWebhookHandlers(fulfillment services.FulfillmentService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{fulfillment: fulfillment}
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.paymentConfirmed)
}

type paymentWebhookRequest struct {
	OrderID string `json:"orderId"`
	paymentRequest
}

func (h *PaymentWebhookHandlers) paymentConfirmed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		writeOrderError(ctx, w, services.ErrOrderUnavailable)
		return
	}
	operator, ok := auth.PaymentOperatorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "signed webhook required", http.StatusUnauthorized))
		return
	}

	var req paymentWebhookRequest
	if !decodeJSONBody(ctx, w, r, maxPaymentWebhookBodySize, &req) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	order, err := h.fulfillment.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		OrderID: req.OrderID,
		Payment: req.toDetails(),
		Source:  "webhook:" + operator.Name,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}
