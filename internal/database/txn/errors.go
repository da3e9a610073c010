// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn

import (
	"strings"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
)

// IsErrRetryable returns true if the given error might be transient
// and the transaction can safely be retried.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return true
	}
	// The driver also surfaces bare error codes.
	if errors.Is(err, sqlite3.ErrBusy) || errors.Is(err, sqlite3.ErrLocked) {
		return true
	}

	// Unwrapped driver failures arrive as strings through database/sql.
	msg := err.Error()
	for _, probe := range []string{
		"database is locked",
		"cannot start a transaction within a transaction",
		"bad connection",
		"checkpoint in progress",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}
