package services

import (
	"errors"
	"fmt"

	"github.com/astroshop/api/internal/repositories"
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartNotFound indicates the cart or the addressed line item does not exist.
	ErrCartNotFound = errors.New("cart: not found")
	// ErrCartUnavailable indicates a backing store could not serve the request.
	ErrCartUnavailable = errors.New("cart: unavailable")

	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderEmpty rejects a checkout without line items.
	ErrOrderEmpty = errors.New("order: no order items")
	// ErrOrderPriceMismatch rejects a checkout whose client price disagrees with the server price.
	ErrOrderPriceMismatch = errors.New("order: price mismatch")
	// ErrOrderNotFound indicates the order is absent or not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the transition is not allowed from the current status.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a concurrent write or duplicate id.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates a backing store could not serve the request.
	ErrOrderUnavailable = errors.New("order: unavailable")

	// ErrDownloadNotFound indicates the grant id does not belong to the order.
	ErrDownloadNotFound = errors.New("download: grant not found")
	// ErrDownloadExpired indicates the grant is past its expiry.
	ErrDownloadExpired = errors.New("download: grant expired")
)

// PriceMismatchError names the checkout line whose client price was rejected. It unwraps to
// ErrOrderPriceMismatch.
type PriceMismatchError struct {
	Index       int
	ReferenceID string
	ClientPrice int64
	ServerPrice int64
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("%s: item %d (%s) submitted at %d but costs %d",
		ErrOrderPriceMismatch.Error(), e.Index, e.ReferenceID, e.ClientPrice, e.ServerPrice)
}

func (e *PriceMismatchError) Unwrap() error {
	return ErrOrderPriceMismatch
}

func mapCartRepositoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case isServiceError(err):
		return err
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrCartNotFound, err)
	case repositories.IsInvalid(err):
		return fmt.Errorf("%w: %v", ErrCartInvalidInput, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	return err
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if isServiceError(err) {
		return err
	}
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	case repositories.IsInvalid(err):
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	return err
}

// isServiceError reports whether err already carries one of this package's sentinels, so
// errors returned from inside a unit of work are not re-wrapped.
func isServiceError(err error) bool {
	for _, target := range []error{
		ErrOrderInvalidInput, ErrOrderEmpty, ErrOrderPriceMismatch, ErrOrderNotFound,
		ErrOrderInvalidState, ErrOrderConflict, ErrOrderUnavailable,
		ErrDownloadNotFound, ErrDownloadExpired,
		ErrCartInvalidInput, ErrCartNotFound, ErrCartUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
