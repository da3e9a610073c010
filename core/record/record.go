// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package record defines the identity and capability surface a persisted
// record exposes to the deletion engine. The engine never sees concrete
// entity types, only these contracts.
package record

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Ref identifies a single persisted record by its kind and its
// identifier within that kind.
type Ref struct {
	// Kind names the record type, e.g. "forum". Kinds are registered
	// with a descriptor registry before any record of that kind can be
	// operated on.
	Kind string

	// ID is the record's identifier, unique within its kind.
	ID string
}

// String returns a global key for the record, of the form "<kind>#<id>".
func (r Ref) String() string {
	return fmt.Sprintf("%s#%s", r.Kind, r.ID)
}

// Validate returns an error if the ref does not identify a record.
func (r Ref) Validate() error {
	if r.Kind == "" {
		return errors.NotValidf("ref with empty kind")
	}
	if r.ID == "" {
		return errors.NotValidf("ref %q with empty id", r.Kind)
	}
	return nil
}

// Record is the minimal contract an entity satisfies to be operated on
// by the deletion engine.
type Record interface {
	// Ref returns the record's identity.
	Ref() Ref
}

// Marked is satisfied by records that carry their deletion marker in
// memory. The engine keeps the marker of a Marked argument in step with
// the store after a successful transition.
type Marked interface {
	Record

	// DeletedAt returns the record's deletion marker, nil when the
	// record is active.
	DeletedAt() *time.Time

	// SetDeletedAt replaces the record's in-memory deletion marker.
	SetDeletedAt(*time.Time)
}

// IsDeleted reports whether the record's in-memory marker says it is
// logically deleted. It consults only the loaded record; the engine's
// IsDeleted asks the store.
func IsDeleted(r Marked) bool {
	return r.DeletedAt() != nil
}
