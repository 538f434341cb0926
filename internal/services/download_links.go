package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/astroshop/api/internal/platform/storage"
	"github.com/astroshop/api/internal/repositories"
)

// SignedDownloadIssuer issues V4 signed URLs for deliverables stored in the downloads bucket.
type SignedDownloadIssuer struct {
	client   *storage.Client
	prefix   string
	products repositories.ProductRepository
}

// NewSignedDownloadIssuer builds an issuer. products is optional and only used to read the
// per-product DownloadFile name.
func NewSignedDownloadIssuer(client *storage.Client, prefix string, products repositories.ProductRepository) (*SignedDownloadIssuer, error) {
	if client == nil {
		return nil, errors.New("signed download issuer: storage client is required")
	}
	return &SignedDownloadIssuer{client: client, prefix: prefix, products: products}, nil
}

func (i *SignedDownloadIssuer) IssueDownloadLink(ctx context.Context, req DownloadLinkRequest) (string, error) {
	object, err := i.objectPath(ctx, req)
	if err != nil {
		return "", err
	}
	signed, err := i.client.SignDownload(ctx, object, storage.DownloadOptions{
		ExpiresIn:   req.ExpiresIn,
		Disposition: "attachment",
		Query:       map[string]string{"grant": req.GrantID},
	})
	if err != nil {
		return "", err
	}
	return signed.URL, nil
}

func (i *SignedDownloadIssuer) objectPath(ctx context.Context, req DownloadLinkRequest) (string, error) {
	if productID := strings.TrimSpace(req.CatalogProductID); productID != "" {
		fileName := ""
		if i.products != nil {
			product, err := i.products.FindByID(ctx, productID)
			switch {
			case err == nil:
				fileName = product.DownloadFile
			case !repositories.IsNotFound(err):
				return "", fmt.Errorf("load product %s: %w", productID, err)
			}
		}
		return storage.DeliverablePath(i.prefix, storage.KindProduct, productID, fileName)
	}
	return storage.DeliverablePath(i.prefix, storage.KindService, serviceSegment(req.ReferenceID), "")
}

// UnsignedDownloadIssuer builds stable application URLs when no storage signer is configured.
// The grant id keeps each URL unique; the download endpoint re-checks ownership and expiry.
type UnsignedDownloadIssuer struct {
	baseURL string
	prefix  string
}

// NewUnsignedDownloadIssuer builds URLs under baseURL, e.g. "https://shop.example/downloads".
func NewUnsignedDownloadIssuer(baseURL, prefix string) *UnsignedDownloadIssuer {
	return &UnsignedDownloadIssuer{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), prefix: prefix}
}

func (i *UnsignedDownloadIssuer) IssueDownloadLink(_ context.Context, req DownloadLinkRequest) (string, error) {
	var (
		object string
		err    error
	)
	if productID := strings.TrimSpace(req.CatalogProductID); productID != "" {
		object, err = storage.DeliverablePath(i.prefix, storage.KindProduct, productID, "")
	} else {
		object, err = storage.DeliverablePath(i.prefix, storage.KindService, serviceSegment(req.ReferenceID), "")
	}
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("grant", req.GrantID)
	return i.baseURL + "/" + object + "?" + query.Encode(), nil
}

// serviceSegment makes a reference safe to use as one object path segment.
func serviceSegment(reference string) string {
	segment := strings.NewReplacer("/", "-", "\\", "-", "..", "-").Replace(strings.TrimSpace(reference))
	if segment == "" {
		return "unknown"
	}
	return segment
}
