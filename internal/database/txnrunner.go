// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database supplies the transaction runner used by all
// domain state packages, layering retry of transient SQLite
// contention over plain database/sql transactions.
package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	coredatabase "github.com/conveyorworks/conveyor/core/database"
)

const (
	retryAttempts = 10
	retryDelay    = 5 * time.Millisecond
	retryMaxDelay = 500 * time.Millisecond
)

// Option configures a transaction runner.
type Option func(*txnRunner)

// WithClock sets the clock used to pace transaction retries.
func WithClock(c clock.Clock) Option {
	return func(r *txnRunner) {
		r.clock = c
	}
}

type txnRunner struct {
	db    *sqlair.DB
	clock clock.Clock
}

// NewTxnRunner returns a TxnRunner over the input database.
// Transactions that fail with retryable contention errors are
// re-run from scratch with doubling back-off.
func NewTxnRunner(db *sql.DB, opts ...Option) coredatabase.TxnRunner {
	r := &txnRunner{
		db:    sqlair.NewDB(db),
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Txn is part of the core/database.TxnRunner interface.
func (r *txnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return errors.Trace(r.run(ctx, func() error {
		tx, err := r.db.Begin(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	}))
}

// StdTxn is part of the core/database.TxnRunner interface.
func (r *txnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return errors.Trace(r.run(ctx, func() error {
		tx, err := r.db.PlainDB().BeginTx(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	}))
}

func (r *txnRunner) run(ctx context.Context, fn func() error) error {
	return retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !IsErrRetryable(err)
		},
		Attempts:    retryAttempts,
		Delay:       retryDelay,
		MaxDelay:    retryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
}
