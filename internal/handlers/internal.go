package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/services"
)

// InternalHandlers serves routes called by trusted workers. Authentication is applied by the
// router's internal middleware group (OIDC).
type InternalHandlers struct {
	fulfillment services.FulfillmentService
}

// NewInternalHandlers constructs the internal route handlers.
func NewInternalHandlers(fulfillment services.FulfillmentService) *InternalHandlers {
	return &InternalHandlers{fulfillment: fulfillment}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}/complete", h.completeOrder)
}

func (h *InternalHandlers) completeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		writeOrderError(ctx, w, services.ErrOrderUnavailable)
		return
	}

	actorID := "internal"
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok {
		if email := strings.TrimSpace(svc.Email); email != "" {
			actorID = "service:" + email
		} else if svc.Subject != "" {
			actorID = "service:" + svc.Subject
		}
	}

	order, err := h.fulfillment.MarkCompleted(ctx, services.MarkCompletedCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: actorID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}
