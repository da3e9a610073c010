// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package descriptor holds the per-kind configuration the deletion
// engine consumes: whether a kind carries a deletion marker, which
// dependent relations it owns and under what cascade policy, and the
// ordered after-delete hooks registered for it.
//
// Descriptors are built once at configuration time and are read-only
// thereafter. Nothing here is discovered by reflection at call time.
package descriptor

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/juju/tombstone/core/deletion"
	"github.com/juju/tombstone/core/record"
)

// Relation declares a dependent link from an owning kind to a
// dependent kind, tagged with the cascade policy applied when the
// owner is soft-deleted.
type Relation struct {
	// Name identifies the relation within its descriptor, e.g.
	// "forums". Names are unique per descriptor.
	Name string

	// Kind is the dependent record kind.
	Kind string

	// ForeignKey names the attribute on the dependent that references
	// the owner. Adapters resolve dependents through it, and the
	// nullify policy clears it. Required unless the policy is
	// CascadeIndependent, which never traverses the relation.
	ForeignKey string

	// Cascade is the policy applied to the relation's dependents when
	// the owner is soft-deleted.
	Cascade deletion.Cascade
}

// Validate returns an error if the relation is malformed.
func (r Relation) Validate() error {
	if r.Name == "" {
		return errors.NotValidf("relation with empty name")
	}
	if r.Kind == "" {
		return errors.NotValidf("relation %q with empty kind", r.Name)
	}
	if err := r.Cascade.Validate(); err != nil {
		return errors.Annotatef(err, "relation %q", r.Name)
	}
	if r.ForeignKey == "" && r.Cascade != deletion.CascadeIndependent {
		return errors.NotValidf("relation %q with policy %q and no foreign key", r.Name, r.Cascade)
	}
	return nil
}

// Descriptor holds the deletion configuration of one record kind.
type Descriptor struct {
	// Kind is the record kind the descriptor configures.
	Kind string

	// SoftDeletable indicates the kind carries a deletion marker.
	// Kinds without one cannot be soft-deleted; under a
	// cascade-soft-delete relation their records are physically
	// removed instead.
	SoftDeletable bool

	// Relations lists the kind's dependent relations. The deletion
	// engine walks them in declaration order.
	Relations []Relation
}

// Validate returns an error if the descriptor is malformed.
func (d Descriptor) Validate() error {
	if d.Kind == "" {
		return errors.NotValidf("descriptor with empty kind")
	}
	seen := make(map[string]bool)
	for _, rel := range d.Relations {
		if err := rel.Validate(); err != nil {
			return errors.Annotatef(err, "descriptor %q", d.Kind)
		}
		if seen[rel.Name] {
			return errors.NotValidf("descriptor %q with duplicate relation %q", d.Kind, rel.Name)
		}
		seen[rel.Name] = true
	}
	return nil
}

// copyRelations returns a copy of the descriptor's relation list,
// preserving order. Callers of the registry never share the stored
// slice.
func (d Descriptor) copyRelations() []Relation {
	if d.Relations == nil {
		return nil
	}
	out := make([]Relation, len(d.Relations))
	copy(out, d.Relations)
	return out
}

// Hook is an after-delete callback. It receives the identity of a
// record whose logical deletion committed, and the marker timestamp
// written. Hook errors are reported by the engine's logger; they never
// unwind the committed transition.
type Hook func(ctx context.Context, ref record.Ref, at time.Time) error
