// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tombstone

import (
	"context"
	"time"

	"github.com/juju/tombstone/core/record"
	"github.com/juju/tombstone/descriptor"
)

// State is the persistence surface the engine executes transitions
// against. Implementations decide how records are stored; the engine
// decides what transitions mean.
//
// Writes (SetDeletedAt, ClearReference, Remove) are unscoped: they
// reach logically deleted records. Reads honour the visibility scope
// carried by the context, except DeletedAt, which exists precisely to
// inspect markers.
type State interface {
	// RunTransaction runs fn inside one atomic unit of work. Nested
	// calls join the outermost unit, so an engine cascade composed
	// into a wider application transaction commits or rolls back
	// with it. Implementations may re-run fn on transient failures;
	// fn must stage the same work on every attempt.
	RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// ValidateUpdate runs the persistence layer's own update
	// validation for the record, modifying nothing. An error
	// satisfying errors.NotImplemented means no validation is
	// configured for the kind and is not a failure.
	ValidateUpdate(ctx context.Context, ref record.Ref) error

	// SetDeletedAt writes the record's deletion marker; nil clears
	// it. Missing records fail with an error satisfying
	// [tombstoneerrors.RecordNotFound].
	SetDeletedAt(ctx context.Context, ref record.Ref, at *time.Time) error

	// Dependents returns the records the relation links to the given
	// owner, honouring the context's visibility scope.
	Dependents(ctx context.Context, owner record.Ref, rel descriptor.Relation) ([]record.Ref, error)

	// ClearReference clears the named foreign reference on the
	// dependent record.
	ClearReference(ctx context.Context, dependent record.Ref, field string) error

	// Remove physically deletes the record.
	Remove(ctx context.Context, ref record.Ref) error

	// Exists reports whether the record is visible in the context's
	// scope.
	Exists(ctx context.Context, ref record.Ref) (bool, error)

	// DeletedAt returns the record's deletion marker regardless of
	// scope, nil when the record is active. Missing records fail
	// with an error satisfying [tombstoneerrors.RecordNotFound].
	DeletedAt(ctx context.Context, ref record.Ref) (*time.Time, error)
}

// ValidateFunc reports whether the identified record may be updated.
type ValidateFunc func(ctx context.Context, ref record.Ref) error

// Policy is an interface provided to a state layer that may be
// consulted to validate updates before a marker is written.
//
// If a Policy implementation has no validation for a kind, its
// UpdateValidator must return an error satisfying
// errors.NotImplemented, and validation is skipped for that kind. Any
// other error fails the operation.
type Policy interface {
	// UpdateValidator returns the validation function applied to
	// updates of the given kind.
	UpdateValidator(kind string) (ValidateFunc, error)
}
