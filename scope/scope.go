// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package scope controls whether reads see logically deleted records.
//
// Visibility is carried by the context. Deriving a context widens or
// narrows visibility for the code it is passed to; the parent context
// is never mutated, so restoration on every exit path and safe
// reentrant nesting come with the territory.
package scope

import (
	"context"

	"github.com/juju/errors"
)

// Visibility selects which records a read may see.
type Visibility string

const (
	// Default excludes logically deleted records from reads.
	Default Visibility = "default"

	// Unrestricted includes logically deleted records in reads.
	Unrestricted Visibility = "unrestricted"
)

// String implements fmt.Stringer.
func (v Visibility) String() string {
	return string(v)
}

// Validate returns an error if the visibility is not a known value.
func (v Visibility) Validate() error {
	switch v {
	case Default, Unrestricted:
		return nil
	}
	return errors.NotValidf("visibility %q", v)
}

type scopeKey struct{}

// snapshot is an immutable visibility assignment. Deriving a context
// copies the parent snapshot, so nested regions never observe each
// other's changes.
type snapshot struct {
	// all applies to kinds with no per-kind entry.
	all Visibility

	// kinds holds per-kind overrides of all.
	kinds map[string]Visibility
}

func snapshotOf(ctx context.Context) snapshot {
	if s, ok := ctx.Value(scopeKey{}).(snapshot); ok {
		return s
	}
	return snapshot{all: Default}
}

func derive(ctx context.Context, v Visibility, kinds []string) context.Context {
	parent := snapshotOf(ctx)
	next := snapshot{all: parent.all}
	if len(kinds) == 0 {
		// No kinds named: the new visibility applies across the
		// board, discarding per-kind overrides.
		next.all = v
		return context.WithValue(ctx, scopeKey{}, next)
	}
	next.kinds = make(map[string]Visibility, len(parent.kinds)+len(kinds))
	for kind, pv := range parent.kinds {
		next.kinds[kind] = pv
	}
	for _, kind := range kinds {
		next.kinds[kind] = v
	}
	return context.WithValue(ctx, scopeKey{}, next)
}

// WithUnrestricted returns a context whose reads of the given kinds
// include logically deleted records. With no kinds, every kind is
// unrestricted.
func WithUnrestricted(ctx context.Context, kinds ...string) context.Context {
	return derive(ctx, Unrestricted, kinds)
}

// WithDefault returns a context whose reads of the given kinds exclude
// logically deleted records, narrowing an enclosing unrestricted
// region. With no kinds, every kind reverts to default visibility.
func WithDefault(ctx context.Context, kinds ...string) context.Context {
	return derive(ctx, Default, kinds)
}

// VisibilityOf returns the visibility the context assigns to reads of
// the given kind. Contexts that never passed through WithUnrestricted
// or WithDefault report Default.
func VisibilityOf(ctx context.Context, kind string) Visibility {
	s := snapshotOf(ctx)
	if v, ok := s.kinds[kind]; ok {
		return v
	}
	return s.all
}

// IsUnrestricted reports whether reads of the given kind in this
// context include logically deleted records.
func IsUnrestricted(ctx context.Context, kind string) bool {
	return VisibilityOf(ctx, kind) == Unrestricted
}

// RunUnrestricted runs body with unrestricted visibility of the given
// kinds (all kinds when none are named). The widened visibility ends
// with body: the caller's context keeps its own scope on every exit
// path, error or not.
func RunUnrestricted(ctx context.Context, body func(context.Context) error, kinds ...string) error {
	return errors.Trace(body(WithUnrestricted(ctx, kinds...)))
}
