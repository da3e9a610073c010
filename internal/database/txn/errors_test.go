// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	"github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	"github.com/juju/tombstone/internal/database/txn"
)

type isErrRetryableSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&isErrRetryableSuite{})

func (s *isErrRetryableSuite) TestIsErrRetryable(c *gc.C) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "sqlite3 busy error code",
			err:      sqlite3.ErrBusy,
			expected: true,
		},
		{
			name:     "sqlite3 locked error code",
			err:      sqlite3.ErrLocked,
			expected: true,
		},
		{
			name:     "wrapped sqlite3 busy error",
			err:      errors.Annotate(sqlite3.Error{Code: sqlite3.ErrBusy}, "writing marker"),
			expected: true,
		},
		{
			name:     "sqlite3 constraint error",
			err:      sqlite3.Error{Code: sqlite3.ErrConstraint},
			expected: false,
		},
		{
			name:     "database is locked",
			err:      errors.Errorf("database is locked"),
			expected: true,
		},
		{
			name:     "cannot start a transaction within a transaction",
			err:      errors.Errorf("cannot start a transaction within a transaction"),
			expected: true,
		},
		{
			name:     "bad connection",
			err:      errors.Errorf("bad connection"),
			expected: true,
		},
		{
			name:     "checkpoint in progress",
			err:      errors.Errorf("checkpoint in progress"),
			expected: true,
		},
		{
			name:     "any other error",
			err:      errors.Errorf("fail"),
			expected: false,
		},
	}

	for i, test := range tests {
		c.Logf("test %d: %s", i, test.name)
		c.Check(txn.IsErrRetryable(test.err), gc.Equals, test.expected)
	}
}
