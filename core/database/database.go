// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
)

// TxnRunner defines an interface for running transactions against
// the platform's backing database.
type TxnRunner interface {
	// Txn executes the input function against the database, within
	// a transaction that depends on the input context.
	// Retry semantics are applied automatically for transient
	// failures. This is the method that almost all consumers
	// should use.
	Txn(context.Context, func(context.Context, *sqlair.TX) error) error

	// StdTxn executes the input function against the database using
	// the standard library transaction type. It has the same retry
	// semantics as Txn.
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}

// TxnRunnerFactory aliases a function that returns a TxnRunner,
// or an error if the database is not reachable.
type TxnRunnerFactory = func() (TxnRunner, error)
