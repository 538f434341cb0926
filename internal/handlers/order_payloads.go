package handlers

import (
	"github.com/astroshop/api/internal/services"
)

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"orderNumber"`
	UserID      string `json:"userId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
	IsPaid      bool   `json:"isPaid"`
	IsDigital   bool   `json:"isDigital"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

type orderPayload struct {
	ID              string                 `json:"id"`
	OrderNumber     string                 `json:"orderNumber"`
	UserID          string                 `json:"userId"`
	Items           []orderItemPayload     `json:"orderItems"`
	ShippingAddress *addressPayload        `json:"shippingAddress,omitempty"`
	PaymentMethod   string                 `json:"paymentMethod"`
	ItemsAmount     int64                  `json:"itemsAmount"`
	TaxAmount       int64                  `json:"taxAmount"`
	ShippingAmount  int64                  `json:"shippingAmount"`
	TotalAmount     int64                  `json:"totalAmount"`
	Notes           string                 `json:"notes,omitempty"`
	IsDigital       bool                   `json:"isDigital"`
	IsPaid          bool                   `json:"isPaid"`
	PaidAt          string                 `json:"paidAt,omitempty"`
	Payment         *paymentPayload        `json:"paymentResult,omitempty"`
	IsFulfilled     bool                   `json:"isFulfilled"`
	FulfilledAt     string                 `json:"fulfilledAt,omitempty"`
	Status          string                 `json:"status"`
	DownloadGrants  []downloadGrantPayload `json:"downloadGrants"`
	CancelledAt     string                 `json:"cancelledAt,omitempty"`
	CreatedAt       string                 `json:"createdAt,omitempty"`
	UpdatedAt       string                 `json:"updatedAt,omitempty"`
}

type orderItemPayload struct {
	ReferenceID      string `json:"product"`
	CatalogProductID string `json:"catalogProductId,omitempty"`
	Name             string `json:"name"`
	Quantity         int    `json:"quantity"`
	UnitPrice        int64  `json:"price"`
	ImageURL         string `json:"image,omitempty"`
}

type addressPayload struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country"`
}

type paymentPayload struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	UpdateTime string `json:"update_time"`
	PayerEmail string `json:"email_address"`
	Source     string `json:"source,omitempty"`
}

type downloadGrantPayload struct {
	ID           string `json:"id"`
	ReferenceID  string `json:"product"`
	URL          string `json:"url"`
	ExpiresAt    string `json:"expiresAt"`
	Downloaded   bool   `json:"downloaded"`
	DownloadedAt string `json:"downloadedAt,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		TotalAmount: order.Totals.Total,
		IsPaid:      order.IsPaid,
		IsDigital:   order.IsDigital,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:             order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		Items:          make([]orderItemPayload, 0, len(order.Items)),
		PaymentMethod:  order.PaymentMethod,
		ItemsAmount:    order.Totals.Items,
		TaxAmount:      order.Totals.Tax,
		ShippingAmount: order.Totals.Shipping,
		TotalAmount:    order.Totals.Total,
		Notes:          order.Notes,
		IsDigital:      order.IsDigital,
		IsPaid:         order.IsPaid,
		PaidAt:         formatTimePointer(order.PaidAt),
		IsFulfilled:    order.IsFulfilled,
		FulfilledAt:    formatTimePointer(order.FulfilledAt),
		Status:         string(order.Status),
		DownloadGrants: make([]downloadGrantPayload, 0, len(order.DownloadGrants)),
		CancelledAt:    formatTimePointer(order.CancelledAt),
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ReferenceID:      item.ReferenceID,
			CatalogProductID: item.CatalogProductID,
			Name:             item.Name,
			Quantity:         item.Quantity,
			UnitPrice:        item.UnitPrice,
			ImageURL:         item.ImageURL,
		})
	}
	if !order.ShippingAddress.IsZero() {
		payload.ShippingAddress = &addressPayload{
			Street:     order.ShippingAddress.Street,
			City:       order.ShippingAddress.City,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		}
	}
	if order.Payment != nil {
		payload.Payment = &paymentPayload{
			ID:         order.Payment.ID,
			Status:     order.Payment.Status,
			UpdateTime: order.Payment.UpdateTime,
			PayerEmail: order.Payment.PayerEmail,
			Source:     order.Payment.Source,
		}
	}
	for _, grant := range order.DownloadGrants {
		payload.DownloadGrants = append(payload.DownloadGrants, buildDownloadGrantPayload(grant))
	}
	return payload
}

func buildDownloadGrantPayload(grant services.DownloadGrant) downloadGrantPayload {
	return downloadGrantPayload{
		ID:           grant.ID,
		ReferenceID:  grant.ReferenceID,
		URL:          grant.URL,
		ExpiresAt:    formatTime(grant.ExpiresAt),
		Downloaded:   grant.Downloaded,
		DownloadedAt: formatTimePointer(grant.DownloadedAt),
	}
}
