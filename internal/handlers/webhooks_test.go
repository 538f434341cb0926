package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/astroshop/api/internal/platform/auth"
	"github.com/astroshop/api/internal/services"
)

func newWebhookRouter(fulfillment services.FulfillmentService) chi.Router {
	router := chi.NewRouter()
	router.Route("/webhooks", NewPaymentWebhookHandlers(fulfillment).Routes)
	return router
}

func webhookRequest(body string, operator *auth.PaymentOperator) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	if operator != nil {
		req = req.WithContext(auth.WithPaymentOperator(req.Context(), operator))
	}
	return req
}

func TestPaymentWebhookRequiresSignedOperator(t *testing.T) {
	rr := httptest.NewRecorder()
	newWebhookRouter(&stubFulfillmentService{}).ServeHTTP(rr, webhookRequest(`{"orderId":"ord_1"}`, nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestPaymentWebhookConfirmsWithOperatorSource(t *testing.T) {
	var got services.ConfirmPaymentCommand
	fulfillment := &stubFulfillmentService{
		confirmFunc: func(_ context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
			got = cmd
			order := sampleOrder(cmd.OrderID)
			order.IsPaid = true
			return order, nil
		},
	}

	body := `{"orderId":"ord_9","id":"PAY-77","status":"COMPLETED","email_address":"payer@example.com"}`
	rr := httptest.NewRecorder()
	newWebhookRouter(fulfillment).ServeHTTP(rr, webhookRequest(body, &auth.PaymentOperator{Name: "paypal"}))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.OrderID != "ord_9" || got.Source != "webhook:paypal" || got.Actor != nil {
		t.Fatalf("unexpected command %+v", got)
	}
	if got.Payment.ID != "PAY-77" || got.Payment.PayerEmail != "payer@example.com" {
		t.Fatalf("unexpected payment details %+v", got.Payment)
	}
}

func TestPaymentWebhookValidatesBody(t *testing.T) {
	router := newWebhookRouter(&stubFulfillmentService{})
	operator := &auth.PaymentOperator{Name: "paypal"}

	for name, body := range map[string]string{
		"missing order": `{"id":"PAY-1"}`,
		"malformed":     `{"orderId":`,
	} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, webhookRequest(body, operator))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rr.Code)
		}
	}
}

func TestPaymentWebhookMapsServiceErrors(t *testing.T) {
	fulfillment := &stubFulfillmentService{
		confirmFunc: func(context.Context, services.ConfirmPaymentCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}
	rr := httptest.NewRecorder()
	newWebhookRouter(fulfillment).ServeHTTP(rr, webhookRequest(`{"orderId":"ord_1"}`, &auth.PaymentOperator{Name: "paypal"}))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}
