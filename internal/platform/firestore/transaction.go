package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

type txContextKey struct{}

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides the retry attempts for a transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

func newTxConfig(opts ...TxOption) txConfig {
	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithTransaction attaches tx to ctx so repositories called inside a unit of work read and
// write through it.
func WithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TransactionFromContext returns the transaction attached by WithTransaction.
func TransactionFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

// RunTransaction executes fn within a transaction on the provided client. The context handed
// to fn carries the transaction.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	cfg := newTxConfig(opts...)

	txnCtx := ctx
	if cfg.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > cfg.timeout {
			var cancel context.CancelFunc
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}
	}

	err := client.RunTransaction(txnCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(WithTransaction(ctx, tx), tx)
	}, firestore.MaxAttempts(cfg.attempts))

	return WrapError("transaction", err)
}
