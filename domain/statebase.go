// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package domain holds the base type embedded by every state
// implementation, providing access to the transaction runner and a
// cache of prepared sqlair statements.
package domain

import (
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/conveyorworks/conveyor/core/database"
)

// StateBase defines the common methods for interacting with the
// backing database. It is embedded in each domain's state type.
type StateBase struct {
	getDB coredatabase.TxnRunnerFactory

	mu    sync.Mutex
	stmts map[string]*sqlair.Statement
}

// NewStateBase returns a new StateBase using the input factory.
func NewStateBase(getDB coredatabase.TxnRunnerFactory) *StateBase {
	return &StateBase{
		getDB: getDB,
		stmts: make(map[string]*sqlair.Statement),
	}
}

// DB returns the transaction runner for the database.
func (st *StateBase) DB() (coredatabase.TxnRunner, error) {
	if st.getDB == nil {
		return nil, errors.New("nil getDB")
	}
	db, err := st.getDB()
	return db, errors.Trace(err)
}

// Prepare prepares a sqlair query against the input type samples,
// caching the result. Statement preparation is independent of the
// database connection, so cached statements never go stale.
func (st *StateBase) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if stmt, ok := st.stmts[query]; ok {
		return stmt, nil
	}

	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Annotate(err, "preparing statement")
	}

	st.stmts[query] = stmt
	return stmt, nil
}
