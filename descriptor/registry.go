// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package descriptor

import (
	"fmt"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	tombstoneerrors "github.com/juju/tombstone/errors"
)

// Registry maps record kinds to their descriptors and after-delete
// hooks. Registration happens at configuration time; a mutex keeps
// hook registration and clearing race-free for test harnesses, but
// registering kinds concurrently with in-flight deletions remains a
// caller error.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]Descriptor
	hooks       map[string][]Hook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		hooks:       make(map[string][]Hook),
	}
}

// Register adds a descriptor for its kind. A kind can only be
// registered once.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[d.Kind]; ok {
		return errors.AlreadyExistsf("descriptor for kind %q", d.Kind)
	}
	d.Relations = d.copyRelations()
	r.descriptors[d.Kind] = d
	return nil
}

// Descriptor returns the descriptor registered for the given kind.
func (r *Registry) Descriptor(kind string) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[kind]
	if !ok {
		return Descriptor{}, fmt.Errorf(
			"no descriptor registered for kind %q%w",
			kind, errors.Hide(tombstoneerrors.UnconfiguredType))
	}
	d.Relations = d.copyRelations()
	return d, nil
}

// Kinds returns the registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := set.NewStrings()
	for kind := range r.descriptors {
		kinds.Add(kind)
	}
	return kinds.SortedValues()
}

// RegisterHooks appends hooks to the kind's ordered after-delete hook
// list. The kind must be registered and soft-deletable; hooks fire
// only on logical deletion, so a kind that can never logically
// transition cannot take hooks.
func (r *Registry) RegisterHooks(kind string, hooks ...Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[kind]
	if !ok {
		return fmt.Errorf(
			"no descriptor registered for kind %q%w",
			kind, errors.Hide(tombstoneerrors.UnconfiguredType))
	}
	if !d.SoftDeletable {
		return fmt.Errorf(
			"kind %q has no deletion marker%w",
			kind, errors.Hide(tombstoneerrors.NotSoftDeletable))
	}
	r.hooks[kind] = append(r.hooks[kind], hooks...)
	return nil
}

// Hooks returns the kind's after-delete hooks in registration order.
func (r *Registry) Hooks(kind string) []Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	registered := r.hooks[kind]
	if len(registered) == 0 {
		return nil
	}
	out := make([]Hook, len(registered))
	copy(out, registered)
	return out
}

// ClearHooks empties the kind's hook list. Test harnesses call this
// between cases to stop hooks leaking across tests.
func (r *Registry) ClearHooks(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, kind)
}
