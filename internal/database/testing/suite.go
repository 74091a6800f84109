// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing supplies a gocheck suite that provisions an
// in-memory SQLite database with the platform schema applied, for
// use by domain state tests.
package testing

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	_ "github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/conveyorworks/conveyor/core/database"
	"github.com/conveyorworks/conveyor/domain/schema"
	internaldatabase "github.com/conveyorworks/conveyor/internal/database"
)

// StoreSuite is used to provide a sql.DB reference and a TxnRunner
// to tests. The database is fresh per test, in memory, and has the
// full platform schema applied.
type StoreSuite struct {
	testing.IsolationSuite

	db        *sql.DB
	txnRunner coredatabase.TxnRunner
}

// SetUpTest creates the database and applies the schema.
func (s *StoreSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	// A uniquely named shared-cache database keeps the schema
	// visible across pooled connections for the lifetime of the
	// test, without touching the file-system.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.New().String())
	db, err := sql.Open("sqlite3", dsn)
	c.Assert(err, jc.ErrorIsNil)

	// SQLite serialises writers anyway; a single connection keeps
	// the shared-cache database alive and avoids spurious
	// SQLITE_BUSY in tests.
	db.SetMaxOpenConns(1)

	for _, delta := range schema.All() {
		_, err := db.Exec(delta.Stmt(), delta.Args()...)
		c.Assert(err, jc.ErrorIsNil)
	}

	s.db = db
	s.txnRunner = internaldatabase.NewTxnRunner(db)

	s.AddCleanup(func(c *gc.C) {
		c.Assert(db.Close(), jc.ErrorIsNil)
	})
}

// DB returns the raw database handle, for direct assertions on
// stored rows.
func (s *StoreSuite) DB() *sql.DB {
	return s.db
}

// TxnRunner returns the suite's transaction runner.
func (s *StoreSuite) TxnRunner() coredatabase.TxnRunner {
	return s.txnRunner
}

// TxnRunnerFactory returns a factory serving the suite's runner.
func (s *StoreSuite) TxnRunnerFactory() coredatabase.TxnRunnerFactory {
	return func() (coredatabase.TxnRunner, error) {
		return s.txnRunner, nil
	}
}
