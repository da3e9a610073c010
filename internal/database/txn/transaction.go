// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package txn provides a transaction runner for SQLite-backed stores
// that retries transient failures. Transactions are serialized: SQLite
// takes a single writer, so queueing writers here is cheaper than
// bouncing them off the busy handler.
package txn

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"golang.org/x/sync/semaphore"

	corelogger "github.com/juju/tombstone/core/logger"
	internallogger "github.com/juju/tombstone/internal/logger"
)

// RetryStrategy applies the input operation, re-applying it while it
// fails with a retryable error.
type RetryStrategy func(context.Context, func() error) error

// Semaphore bounds the number of transactions in flight.
type Semaphore interface {
	Acquire(context.Context, int64) error
	Release(int64)
}

// Option configures a RetryingTxnRunner.
type Option func(*option)

// WithLogger sets the logger the runner reports rollback failures and
// retry progress to.
func WithLogger(logger corelogger.Logger) Option {
	return func(o *option) {
		o.logger = logger
	}
}

// WithRetryStrategy replaces the runner's retry strategy.
func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(o *option) {
		o.retryStrategy = strategy
	}
}

// WithSemaphore replaces the runner's transaction gate. A nil
// semaphore admits every transaction immediately.
func WithSemaphore(sem Semaphore) Option {
	return func(o *option) {
		o.semaphore = sem
	}
}

type option struct {
	logger        corelogger.Logger
	retryStrategy RetryStrategy
	semaphore     Semaphore
}

// RetryingTxnRunner runs transaction functions against a database,
// retrying them when they fail with a transient SQLite error. It
// expects no individual transaction function to hold its transaction
// open indefinitely; cancellation is the caller's, carried by the
// context.
type RetryingTxnRunner struct {
	logger        corelogger.Logger
	retryStrategy RetryStrategy
	semaphore     Semaphore
}

// NewRetryingTxnRunner returns a runner with the given options applied.
func NewRetryingTxnRunner(opts ...Option) *RetryingTxnRunner {
	o := &option{
		logger:    internallogger.GetLogger("tombstone.database"),
		semaphore: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retryStrategy == nil {
		o.retryStrategy = DefaultRetryStrategy(clock.WallClock, o.logger)
	}
	return &RetryingTxnRunner{
		logger:        o.logger,
		retryStrategy: o.retryStrategy,
		semaphore:     o.semaphore,
	}
}

// Txn executes the input function within a sqlair transaction against
// the given database, committing on a nil return and rolling back
// otherwise. Retry semantics are applied to transient failures.
func (t *RetryingTxnRunner) Txn(ctx context.Context, db *sqlair.DB, fn func(context.Context, *sqlair.TX) error) error {
	return t.Retry(ctx, func() error {
		return t.run(ctx, func(ctx context.Context) error {
			tx, err := db.Begin(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}
			if err := fn(ctx, tx); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					t.logger.Warningf(ctx, "failed to rollback transaction: %v", rErr)
				}
				return errors.Trace(err)
			}
			return errors.Trace(tx.Commit())
		})
	})
}

// StdTxn is Txn for consumers of the standard library transaction
// type.
func (t *RetryingTxnRunner) StdTxn(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	return t.Retry(ctx, func() error {
		return t.run(ctx, func(ctx context.Context) error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}
			if err := fn(ctx, tx); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					t.logger.Warningf(ctx, "failed to rollback transaction: %v", rErr)
				}
				return errors.Trace(err)
			}
			return errors.Trace(tx.Commit())
		})
	})
}

// Retry applies the input function under the runner's retry strategy.
func (t *RetryingTxnRunner) Retry(ctx context.Context, fn func() error) error {
	return t.retryStrategy(ctx, fn)
}

func (t *RetryingTxnRunner) run(ctx context.Context, fn func(context.Context) error) error {
	if t.semaphore != nil {
		if err := t.semaphore.Acquire(ctx, 1); err != nil {
			return errors.Trace(err)
		}
		defer t.semaphore.Release(1)
	}
	// The context may have been cancelled while waiting for the gate.
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	return fn(ctx)
}

// DefaultRetryStrategy returns the strategy applied when a runner is
// built without one: up to 250 attempts with exponential backoff,
// giving up immediately on non-retryable errors or when the context is
// cancelled.
func DefaultRetryStrategy(clk clock.Clock, logger corelogger.Logger) RetryStrategy {
	return func(ctx context.Context, fn func() error) error {
		err := retry.Call(retry.CallArgs{
			Func: fn,
			IsFatalError: func(err error) bool {
				return !IsErrRetryable(err)
			},
			NotifyFunc: func(lastError error, attempt int) {
				if attempt%10 == 0 {
					logger.Debugf(ctx, "retrying transaction (attempt %d): %v", attempt, lastError)
				}
			},
			Attempts:    250,
			Delay:       time.Millisecond,
			MaxDelay:    time.Millisecond * 100,
			BackoffFunc: retry.ExpBackoff(time.Millisecond, time.Millisecond*100, 1.5, true),
			Clock:       clk,
			Stop:        ctx.Done(),
		})
		return errors.Trace(err)
	}
}
