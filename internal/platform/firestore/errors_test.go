package firestore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
		invalid     bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.InvalidArgument, invalid: true},
	}

	for _, tc := range cases {
		err := WrapError("orders.get", status.Error(tc.code, "boom"))
		var repoErr *Error
		if !errors.As(err, &repoErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict ||
			repoErr.IsUnavailable() != tc.unavailable || repoErr.IsInvalid() != tc.invalid {
			t.Fatalf("%s: unexpected classification %+v", tc.code, repoErr)
		}
		if !strings.HasPrefix(err.Error(), "orders.get: ") {
			t.Fatalf("%s: expected op prefix, got %q", tc.code, err.Error())
		}
	}
}

func TestWrapErrorPassesThroughCancellation(t *testing.T) {
	if err := WrapError("op", status.Error(codes.Canceled, "cancelled")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWrapErrorKeepsDomainErrors(t *testing.T) {
	sentinel := errors.New("order: invalid state")
	err := WrapError("transaction", sentinel)
	if err != sentinel {
		t.Fatalf("expected sentinel to be returned untouched, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestValidDocumentID(t *testing.T) {
	valid := []string{"prod_01", "64f1c2a9e1b2c3d4e5f60718", "astro-career"}
	for _, id := range valid {
		if !ValidDocumentID(id) {
			t.Fatalf("expected %q to be valid", id)
		}
	}
	invalid := []string{"", ".", "..", "a/b", "__reserved__", strings.Repeat("x", 1501)}
	for _, id := range invalid {
		if ValidDocumentID(id) {
			t.Fatalf("expected %q to be invalid", id)
		}
	}
}

func TestSyntheticErrorsCarryClassification(t *testing.T) {
	if err := NewNotFoundError("products.get", "missing"); !err.(*Error).IsNotFound() {
		t.Fatalf("expected not found")
	}
	if err := NewInvalidError("products.document", "bad id"); !err.(*Error).IsInvalid() {
		t.Fatalf("expected invalid")
	}
}
