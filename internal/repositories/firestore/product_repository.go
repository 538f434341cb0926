package firestore

import (
	"context"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/astroshop/api/internal/domain"
	pfirestore "github.com/astroshop/api/internal/platform/firestore"
	"github.com/astroshop/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads catalog product documents and applies stock adjustments to them.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

var (
	_ repositories.ProductRepository = (*ProductRepository)(nil)
	_ repositories.StockLedger       = (*ProductRepository)(nil)
)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) *ProductRepository {
	return &ProductRepository{base: pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil)}
}

// FindByID loads a product. Ids Firestore cannot address fail with an invalid error before any
// RPC is issued.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.CatalogProduct, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.CatalogProduct{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Adjust applies each delta to countInStock with a server-side increment, so concurrent
// adjustments on the same product never lose updates. Inside a unit of work the updates are
// staged on the transaction.
func (r *ProductRepository) Adjust(ctx context.Context, adjustments []domain.StockAdjustment) error {
	for _, adj := range mergeAdjustments(adjustments) {
		_, err := r.base.Update(ctx, adj.ProductID, []firestore.Update{
			{Path: "countInStock", Value: firestore.Increment(adj.Delta)},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// mergeAdjustments folds repeated product ids into one delta, preserving first-seen order.
// Firestore rejects two writes to one document in a single transaction.
func mergeAdjustments(adjustments []domain.StockAdjustment) []domain.StockAdjustment {
	index := make(map[string]int, len(adjustments))
	merged := make([]domain.StockAdjustment, 0, len(adjustments))
	for _, adj := range adjustments {
		id := strings.TrimSpace(adj.ProductID)
		if id == "" || adj.Delta == 0 {
			continue
		}
		if i, ok := index[id]; ok {
			merged[i].Delta += adj.Delta
			continue
		}
		index[id] = len(merged)
		merged = append(merged, domain.StockAdjustment{ProductID: id, Delta: adj.Delta})
	}
	out := merged[:0]
	for _, adj := range merged {
		if adj.Delta != 0 {
			out = append(out, adj)
		}
	}
	return out
}

type productDocument struct {
	Name          string   `firestore:"name"`
	Category      string   `firestore:"category"`
	Price         int64    `firestore:"price"`
	DiscountPrice int64    `firestore:"discountPrice"`
	Images        []string `firestore:"images"`
	CountInStock  int64    `firestore:"countInStock"`
	DownloadFile  string   `firestore:"downloadFile,omitempty"`
}

func (d productDocument) toDomain(id string) domain.CatalogProduct {
	return domain.CatalogProduct{
		ID:            id,
		Name:          d.Name,
		Category:      d.Category,
		Price:         d.Price,
		DiscountPrice: d.DiscountPrice,
		Images:        append([]string(nil), d.Images...),
		CountInStock:  d.CountInStock,
		DownloadFile:  d.DownloadFile,
	}
}
