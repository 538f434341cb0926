package firestore

import (
	"context"
	"strings"
	"time"

	domain "github.com/astroshop/api/internal/domain"
	pfirestore "github.com/astroshop/api/internal/platform/firestore"
	"github.com/astroshop/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository stores one cart document per user, keyed by the user id.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) *CartRepository {
	return &CartRepository{base: pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil)}
}

// Get loads the cart for userID.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(userID))
	if err != nil {
		return domain.Cart{}, err
	}
	return decodeCart(doc.ID, doc.Data), nil
}

// Save replaces the cart document. The stored totalAmount is recomputed from the items.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) error {
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return repositories.NewInvalidError("carts.save", "user id is required")
	}
	cart.Recalculate()
	_, err := r.base.Set(ctx, userID, encodeCart(cart))
	return err
}

type cartDocument struct {
	Items       []cartItemDocument `firestore:"items"`
	TotalAmount int64              `firestore:"totalAmount"`
	CreatedAt   time.Time          `firestore:"createdAt"`
	UpdatedAt   time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID               string    `firestore:"id"`
	ReferenceID      string    `firestore:"referenceId"`
	CatalogProductID string    `firestore:"catalogProductId,omitempty"`
	Name             string    `firestore:"name"`
	UnitPrice        int64     `firestore:"unitPrice"`
	Quantity         int       `firestore:"quantity"`
	ImageURL         string    `firestore:"imageUrl"`
	AddedAt          time.Time `firestore:"addedAt"`
	UpdatedAt        time.Time `firestore:"updatedAt"`
}

func encodeCart(cart domain.Cart) cartDocument {
	items := make([]cartItemDocument, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemDocument{
			ID:               item.ID,
			ReferenceID:      item.ReferenceID,
			CatalogProductID: item.CatalogProductID,
			Name:             item.Name,
			UnitPrice:        item.UnitPrice,
			Quantity:         item.Quantity,
			ImageURL:         item.ImageURL,
			AddedAt:          item.AddedAt.UTC(),
			UpdatedAt:        item.UpdatedAt.UTC(),
		})
	}
	return cartDocument{
		Items:       items,
		TotalAmount: cart.TotalAmount,
		CreatedAt:   cart.CreatedAt.UTC(),
		UpdatedAt:   cart.UpdatedAt.UTC(),
	}
}

func decodeCart(userID string, doc cartDocument) domain.Cart {
	cart := domain.Cart{
		ID:        userID,
		UserID:    userID,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
	for _, item := range doc.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:               item.ID,
			ReferenceID:      item.ReferenceID,
			CatalogProductID: item.CatalogProductID,
			Name:             item.Name,
			UnitPrice:        item.UnitPrice,
			Quantity:         item.Quantity,
			ImageURL:         item.ImageURL,
			AddedAt:          item.AddedAt.UTC(),
			UpdatedAt:        item.UpdatedAt.UTC(),
		})
	}
	cart.Recalculate()
	return cart
}
