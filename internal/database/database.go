// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database opens the SQLite databases backing the reference
// store and wraps them in retrying transaction runners.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	coredatabase "github.com/juju/tombstone/core/database"
	"github.com/juju/tombstone/internal/database/txn"
)

// NewSQLiteDB opens, creating if necessary, the SQLite database at
// the given path, with foreign key enforcement on.
func NewSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1", path))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return db, nil
}

// NewTxnRunner wraps the database in a runner applying the default
// retry semantics to transient SQLite failures.
func NewTxnRunner(db *sql.DB) coredatabase.TxnRunner {
	return &txnRunner{
		db:     sqlair.NewDB(db),
		runner: txn.NewRetryingTxnRunner(),
	}
}

type txnRunner struct {
	db     *sqlair.DB
	runner *txn.RetryingTxnRunner
}

// Txn executes the input function against the database inside a
// sqlair transaction. This is what almost all consumers should use.
func (t *txnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return errors.Trace(t.runner.Txn(ctx, t.db, fn))
}

// StdTxn executes the input function against the database inside a
// standard library transaction.
func (t *txnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return errors.Trace(t.runner.StdTxn(ctx, t.db.PlainDB(), fn))
}
