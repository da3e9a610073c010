// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package deletion describes the logical deletion state of a persisted
// record, and the cascade policies governing how that state propagates
// to dependent records.
package deletion

import (
	"time"

	"github.com/juju/errors"
)

// State describes the logical deletion state of a record.
type State string

const (
	// Active indicates a record with no deletion marker set. Records
	// are created active and are visible to default-scoped reads.
	Active State = "active"

	// Deleted indicates a record whose deletion marker is set. The
	// record remains in storage but is excluded from default-scoped
	// reads.
	Deleted State = "deleted"
)

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// Validate returns an error if the state is not a known value.
func (s State) Validate() error {
	switch s {
	case Active, Deleted:
		return nil
	}
	return errors.NotValidf("deletion state %q", s)
}

// StateOf derives the deletion state from a marker timestamp. A nil
// marker means the record is active.
func StateOf(at *time.Time) State {
	if at == nil {
		return Active
	}
	return Deleted
}

// IsDeleted returns true if the input state is Deleted.
func IsDeleted(s State) bool {
	return s == Deleted
}

// IsActive returns true if the input state is Active.
func IsActive(s State) bool {
	return s == Active
}

// Cascade describes what happens to the records of a dependent
// relation when the owning record transitions deletion state.
type Cascade string

const (
	// CascadeSoftDelete transitions dependents in lockstep with the
	// owner. Dependents of a kind that does not carry a deletion
	// marker are physically removed instead; the policy degrades,
	// it never silently does nothing.
	CascadeSoftDelete Cascade = "cascade-soft-delete"

	// CascadeIndependent leaves dependents untouched.
	CascadeIndependent Cascade = "independent"

	// CascadeNullify clears the dependent's foreign reference to the
	// owner. The dependent itself is neither marked nor removed.
	CascadeNullify Cascade = "nullify"
)

// String implements fmt.Stringer.
func (c Cascade) String() string {
	return string(c)
}

// Validate returns an error if the cascade policy is not a known value.
func (c Cascade) Validate() error {
	switch c {
	case CascadeSoftDelete, CascadeIndependent, CascadeNullify:
		return nil
	}
	return errors.NotValidf("cascade policy %q", c)
}
