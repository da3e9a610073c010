// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package errors defines the error kinds surfaced by the deletion
// engine and its persistence adapters. Lower-layer persistence
// failures are not renamed: they propagate unchanged, annotated with
// call context, and abort the surrounding unit of work.
package errors

import "github.com/juju/errors"

const (
	// UnconfiguredType describes an error that occurs when an
	// operation refers to a record kind that was never registered
	// with the descriptor registry. This is a configuration error.
	UnconfiguredType = errors.ConstError("record type not configured")

	// NotSoftDeletable describes an error that occurs when a delete
	// or undelete is requested for a registered kind that does not
	// carry a deletion marker. No persistence write is attempted.
	NotSoftDeletable = errors.ConstError("record type not soft-deletable")

	// ValidationFailed describes an error that occurs when the
	// record, or any dependent reached by the cascade, fails the
	// persistence layer's own update validation. The whole cascade
	// rolls back. The underlying validation detail is attached as
	// the cause.
	ValidationFailed = errors.ConstError("validation failed")

	// RecordNotFound describes an error that occurs when a record
	// referenced by an operation does not exist in storage.
	RecordNotFound = errors.ConstError("record not found")
)
