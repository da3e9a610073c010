// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides harnesses for exercising deletion
// semantics: a SQLite-backed suite for store and engine integration
// tests, and a Stub-backed State for engine unit tests.
package testing

import (
	"database/sql"
	"path/filepath"

	gitjujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/juju/tombstone/core/database"
	"github.com/juju/tombstone/internal/database"
)

// Suite provides an isolated SQLite database per test, wrapped in the
// same retrying transaction runner production consumers use.
type Suite struct {
	gitjujutesting.IsolationSuite

	db     *sql.DB
	runner coredatabase.TxnRunner
}

// SetUpTest opens a fresh database in the test's scratch directory.
func (s *Suite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	db, err := database.NewSQLiteDB(filepath.Join(c.MkDir(), "test.db"))
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
	s.runner = database.NewTxnRunner(db)
	s.AddCleanup(func(c *gc.C) {
		c.Assert(db.Close(), jc.ErrorIsNil)
		s.db = nil
		s.runner = nil
	})
}

// DB returns the suite's database handle.
func (s *Suite) DB() *sql.DB {
	return s.db
}

// TxnRunner returns the suite's transaction runner.
func (s *Suite) TxnRunner() coredatabase.TxnRunner {
	return s.runner
}

// TxnRunnerFactory returns a factory resolving to the suite's runner.
func (s *Suite) TxnRunnerFactory() coredatabase.TxnRunnerFactory {
	return func() (coredatabase.TxnRunner, error) {
		return s.runner, nil
	}
}

// ApplySchema applies each DDL statement to the suite's database.
func (s *Suite) ApplySchema(c *gc.C, ddl ...string) {
	for _, stmt := range ddl {
		_, err := s.db.Exec(stmt)
		c.Assert(err, jc.ErrorIsNil)
	}
}
