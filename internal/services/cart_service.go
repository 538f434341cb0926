package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/astroshop/api/internal/repositories"
)

const (
	cartItemIDPrefix = "cli_"
	maxCartQuantity  = 999
)

var (
	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartResolverRequired   = errors.New("cart service: " + errResolverRequired.Error())
)

// CartServiceDeps wires the repository and catalog dependencies for cart operations.
type CartServiceDeps struct {
	Repository  repositories.CartRepository
	Resolver    *CatalogResolver
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type cartService struct {
	repo     repositories.CartRepository
	resolver *CatalogResolver
	unit     repositories.UnitOfWork
	now      func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ CartService = (*cartService)(nil)

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Resolver == nil {
		return nil, errCartResolverRequired
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	return &cartService{
		repo:     deps.Repository,
		resolver: deps.Resolver,
		unit:     unit,
		now:      func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

// GetCart loads the user's cart, creating an empty one when absent.
func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	var cart Cart
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		loaded, created, err := s.loadOrNew(txCtx, uid)
		if err != nil {
			return err
		}
		cart = loaded
		if !created {
			return nil
		}
		return s.repo.Save(txCtx, cart)
	})
	if err != nil {
		return Cart{}, mapCartRepositoryError(err)
	}
	return cart, nil
}

// AddItem resolves the reference and either merges it into the matching line or appends a new
// one. Re-adding a reference re-snapshots its price.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	ref := strings.TrimSpace(cmd.ReferenceID)
	switch {
	case uid == "":
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	case ref == "":
		return Cart{}, fmt.Errorf("%w: referenceId is required", ErrCartInvalidInput)
	case cmd.Quantity < 0:
		return Cart{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}
	quantity := cmd.Quantity
	if quantity == 0 {
		quantity = 1
	}

	resolution, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return Cart{}, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}

	return s.mutate(ctx, uid, true, func(cart *Cart, now time.Time) error {
		idx := slices.IndexFunc(cart.Items, func(item CartItem) bool { return item.ReferenceID == ref })
		if idx >= 0 {
			item := &cart.Items[idx]
			if item.Quantity+quantity > maxCartQuantity {
				return fmt.Errorf("%w: quantity cannot exceed %d", ErrCartInvalidInput, maxCartQuantity)
			}
			item.Quantity += quantity
			applyResolution(item, resolution)
			item.UpdatedAt = now
			return nil
		}
		if quantity > maxCartQuantity {
			return fmt.Errorf("%w: quantity cannot exceed %d", ErrCartInvalidInput, maxCartQuantity)
		}
		item := CartItem{
			ID:          cartItemIDPrefix + s.newID(),
			ReferenceID: ref,
			Quantity:    quantity,
			AddedAt:     now,
			UpdatedAt:   now,
		}
		applyResolution(&item, resolution)
		cart.Items = append(cart.Items, item)
		return nil
	})
}

// UpdateQuantity sets a line's quantity; the line must exist and the quantity be at least one.
func (s *cartService) UpdateQuantity(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	lineID := strings.TrimSpace(cmd.LineItemID)
	switch {
	case uid == "":
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	case lineID == "":
		return Cart{}, fmt.Errorf("%w: line item id is required", ErrCartInvalidInput)
	case cmd.Quantity < 1:
		return Cart{}, fmt.Errorf("%w: quantity must be at least 1", ErrCartInvalidInput)
	case cmd.Quantity > maxCartQuantity:
		return Cart{}, fmt.Errorf("%w: quantity cannot exceed %d", ErrCartInvalidInput, maxCartQuantity)
	}

	return s.mutate(ctx, uid, false, func(cart *Cart, now time.Time) error {
		idx := slices.IndexFunc(cart.Items, func(item CartItem) bool { return item.ID == lineID })
		if idx < 0 {
			return fmt.Errorf("%w: line item %s", ErrCartNotFound, lineID)
		}
		cart.Items[idx].Quantity = cmd.Quantity
		cart.Items[idx].UpdatedAt = now
		return nil
	})
}

// RemoveItem deletes a line when present. Missing carts and lines are not errors.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	lineID := strings.TrimSpace(cmd.LineItemID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if lineID == "" {
		return Cart{}, fmt.Errorf("%w: line item id is required", ErrCartInvalidInput)
	}

	return s.mutate(ctx, uid, true, func(cart *Cart, _ time.Time) error {
		cart.Items = slices.DeleteFunc(cart.Items, func(item CartItem) bool { return item.ID == lineID })
		return nil
	})
}

// Clear empties the cart.
func (s *cartService) Clear(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, uid, true, func(cart *Cart, _ time.Time) error {
		cart.Items = nil
		return nil
	})
}

// RefreshPrices re-resolves every line and re-snapshots name, price and image.
func (s *cartService) RefreshPrices(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	current, err := s.GetCart(ctx, uid)
	if err != nil {
		return Cart{}, err
	}
	resolved := make(map[string]Resolution, len(current.Items))
	for _, item := range current.Items {
		if _, seen := resolved[item.ReferenceID]; seen {
			continue
		}
		res, err := s.resolver.Resolve(ctx, item.ReferenceID)
		if err != nil {
			return Cart{}, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
		resolved[item.ReferenceID] = res
	}

	changed := 0
	cart, err := s.mutate(ctx, uid, true, func(cart *Cart, now time.Time) error {
		changed = 0
		for i := range cart.Items {
			item := &cart.Items[i]
			res, ok := resolved[item.ReferenceID]
			if !ok {
				continue
			}
			before := *item
			applyResolution(item, res)
			if before.Name != item.Name || before.UnitPrice != item.UnitPrice || before.ImageURL != item.ImageURL {
				item.UpdatedAt = now
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return Cart{}, err
	}
	if changed > 0 {
		s.logger(ctx, "cart.prices_refreshed", map[string]any{
			"userID":  uid,
			"changed": changed,
		})
	}
	return cart, nil
}

// mutate runs a read-modify-write of the user's cart in one transaction. When createMissing is
// false a missing cart yields ErrCartNotFound.
func (s *cartService) mutate(ctx context.Context, userID string, createMissing bool, fn func(cart *Cart, now time.Time) error) (Cart, error) {
	var result Cart
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		cart, created, err := s.loadOrNew(txCtx, userID)
		if err != nil {
			return err
		}
		if created && !createMissing {
			return fmt.Errorf("%w: no cart for user", ErrCartNotFound)
		}
		now := s.now()
		if err := fn(&cart, now); err != nil {
			return err
		}
		cart.UpdatedAt = now
		cart.Recalculate()
		if err := s.repo.Save(txCtx, cart); err != nil {
			return err
		}
		result = cart
		return nil
	})
	if err != nil {
		return Cart{}, mapCartRepositoryError(err)
	}
	return result, nil
}

func (s *cartService) loadOrNew(ctx context.Context, userID string) (Cart, bool, error) {
	cart, err := s.repo.Get(ctx, userID)
	if err == nil {
		cart.ID = userID
		cart.UserID = userID
		cart.Recalculate()
		return cart, false, nil
	}
	if !repositories.IsNotFound(err) {
		return Cart{}, false, err
	}
	now := s.now()
	return Cart{ID: userID, UserID: userID, CreatedAt: now, UpdatedAt: now}, true, nil
}

func applyResolution(item *CartItem, res Resolution) {
	item.Name = res.Name
	item.UnitPrice = res.UnitPrice
	item.ImageURL = res.ImageURL
	item.CatalogProductID = res.CatalogProductID
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
