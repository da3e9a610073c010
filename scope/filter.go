// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scope

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/tombstone/descriptor"
)

// Filter resolves the visibility a read of a given kind must apply,
// combining the kind's descriptor with the scope carried by the
// context. Persistence adapters translate the result into their native
// query predicate at query-build time.
type Filter struct {
	registry *descriptor.Registry
}

// NewFilter returns a Filter answering from the given registry.
func NewFilter(registry *descriptor.Registry) *Filter {
	return &Filter{registry: registry}
}

// Visibility returns the effective visibility for reads of the given
// kind. Kinds without a deletion marker are always unrestricted: they
// have nothing to hide, and scoping must never error for them. Unknown
// kinds fail with the registry's unconfigured-type error.
func (f *Filter) Visibility(ctx context.Context, kind string) (Visibility, error) {
	d, err := f.registry.Descriptor(kind)
	if err != nil {
		return "", errors.Trace(err)
	}
	if !d.SoftDeletable {
		return Unrestricted, nil
	}
	return VisibilityOf(ctx, kind), nil
}
