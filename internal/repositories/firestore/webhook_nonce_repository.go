package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/astroshop/api/internal/platform/auth"
	pfirestore "github.com/astroshop/api/internal/platform/firestore"
)

const webhookNonceCollection = "webhookNonces"

type webhookNonceDocument struct {
	Scope     string    `firestore:"scope"`
	ExpiresAt time.Time `firestore:"expiresAt"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// WebhookNonceRepository records consumed payment webhook nonces so replays are rejected across
// every instance, not just the one that saw the first delivery.
type WebhookNonceRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[webhookNonceDocument]
	now      func() time.Time
}

var _ auth.NonceStore = (*WebhookNonceRepository)(nil)

// NewWebhookNonceRepository constructs the Firestore nonce store.
func NewWebhookNonceRepository(provider *pfirestore.Provider) *WebhookNonceRepository {
	return &WebhookNonceRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[webhookNonceDocument](provider, webhookNonceCollection, nil),
		now:      time.Now,
	}
}

// UseNonce implements auth.NonceStore. An expired record for the same nonce is overwritten.
func (r *WebhookNonceRepository) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	scope, nonce = strings.TrimSpace(scope), strings.TrimSpace(nonce)
	if scope == "" || nonce == "" {
		return false, errors.New("webhook nonces: scope and nonce are required")
	}
	sum := sha256.Sum256([]byte(scope + "::" + nonce))
	id := hex.EncodeToString(sum[:])

	fresh := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		now := r.now().UTC()
		doc, err := r.base.Get(ctx, id)
		switch {
		case err == nil && now.Before(doc.Data.ExpiresAt):
			fresh = false
			return nil
		case err != nil && !pfirestore.IsNotFound(err):
			return err
		}
		fresh = true
		_, err = r.base.Set(ctx, id, webhookNonceDocument{Scope: scope, ExpiresAt: expiry.UTC(), CreatedAt: now})
		return err
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}
