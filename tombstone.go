// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tombstone implements reversible logical deletion for
// persisted records: a record is marked deleted with a timestamp
// rather than removed, default-scoped reads exclude it, and the
// transition cascades atomically across the record's dependent
// relations.
//
// The engine owns the transition rules. Storage is behind the State
// interface; per-kind configuration is a descriptor registry built at
// startup. Records transition only through the engine: mutating a
// marker behind its back is a caller error, not a supported path.
package tombstone

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/kr/pretty"

	"github.com/juju/tombstone/core/deletion"
	corelogger "github.com/juju/tombstone/core/logger"
	"github.com/juju/tombstone/core/record"
	"github.com/juju/tombstone/descriptor"
	tombstoneerrors "github.com/juju/tombstone/errors"
)

// Config holds the dependencies of an Engine.
type Config struct {
	// State is the persistence surface transitions execute against.
	State State

	// Registry supplies per-kind descriptors and after-delete hooks.
	Registry *descriptor.Registry

	// Clock stamps deletion markers.
	Clock clock.Clock

	// Logger reports hook failures and cascade tracing.
	Logger corelogger.Logger
}

// Validate returns an error if the config cannot run an engine.
func (c Config) Validate() error {
	if c.State == nil {
		return errors.NotValidf("nil State")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Engine executes logical delete and undelete transitions, cascading
// them across dependent relations under one atomic unit of work per
// record.
type Engine struct {
	st       State
	registry *descriptor.Registry
	clock    clock.Clock
	logger   corelogger.Logger
}

// NewEngine returns an Engine using the supplied config.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{
		st:       cfg.State,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// SoftDelete marks the record deleted and cascades the transition
// through its dependent relations, all in one atomic unit of work.
// After the unit commits, the record's in-memory marker is updated if
// it carries one, and after-delete hooks fire for every record the
// cascade logically transitioned, in traversal order.
//
// Re-deleting an already deleted record is accepted and refreshes its
// marker.
//
// A caller composing the delete into a wider unit of work, by invoking
// it inside State.RunTransaction, owns the outermost commit; hooks then
// fire when the engine's nested unit returns, not when the wider unit
// commits.
func (e *Engine) SoftDelete(ctx context.Context, rec record.Record) error {
	ref := rec.Ref()
	if _, err := e.deletableDescriptor(ref); err != nil {
		return errors.Trace(err)
	}

	at, err := e.runDelete(ctx, ref)
	if err != nil {
		return errors.Trace(err)
	}
	if marked, ok := rec.(record.Marked); ok {
		marked.SetDeletedAt(&at)
	}
	return nil
}

// SoftUndelete clears the record's deletion marker in one atomic unit
// of work. Dependents cascaded by an earlier delete stay deleted: an
// undelete never resurrects other records. No hooks fire.
func (e *Engine) SoftUndelete(ctx context.Context, rec record.Record) error {
	ref := rec.Ref()
	if _, err := e.deletableDescriptor(ref); err != nil {
		return errors.Trace(err)
	}

	if err := e.st.RunTransaction(ctx, func(ctx context.Context) error {
		return errors.Trace(e.st.SetDeletedAt(ctx, ref, nil))
	}); err != nil {
		return errors.Trace(err)
	}
	if marked, ok := rec.(record.Marked); ok {
		marked.SetDeletedAt(nil)
	}
	return nil
}

// IsDeleted reports the record's deletion state as the store has it,
// regardless of the context's visibility scope. Kinds that carry no
// marker are never deleted.
func (e *Engine) IsDeleted(ctx context.Context, rec record.Record) (bool, error) {
	ref := rec.Ref()
	if err := ref.Validate(); err != nil {
		return false, errors.Trace(err)
	}
	d, err := e.registry.Descriptor(ref.Kind)
	if err != nil {
		return false, errors.Trace(err)
	}
	if !d.SoftDeletable {
		return false, nil
	}
	at, err := e.st.DeletedAt(ctx, ref)
	if err != nil {
		return false, errors.Trace(err)
	}
	return deletion.IsDeleted(deletion.StateOf(at)), nil
}

// deletableDescriptor resolves the ref's descriptor, rejecting refs
// whose kind cannot carry a deletion marker.
func (e *Engine) deletableDescriptor(ref record.Ref) (descriptor.Descriptor, error) {
	if err := ref.Validate(); err != nil {
		return descriptor.Descriptor{}, errors.Trace(err)
	}
	return e.deletableKind(ref.Kind)
}

// deletableKind resolves the kind's descriptor, rejecting kinds that
// cannot carry a deletion marker.
func (e *Engine) deletableKind(kind string) (descriptor.Descriptor, error) {
	d, err := e.registry.Descriptor(kind)
	if err != nil {
		return descriptor.Descriptor{}, errors.Trace(err)
	}
	if !d.SoftDeletable {
		return descriptor.Descriptor{}, fmt.Errorf(
			"kind %q has no deletion marker%w",
			kind, errors.Hide(tombstoneerrors.NotSoftDeletable))
	}
	return d, nil
}

// runDelete executes one record's delete cascade in its own unit of
// work, then fires hooks for everything that transitioned.
//
// The plan is built inside the transaction function: state
// implementations may re-run the function on transient failures, and
// every attempt must walk the graph afresh.
func (e *Engine) runDelete(ctx context.Context, ref record.Ref) (time.Time, error) {
	var plan *cascade
	if err := e.st.RunTransaction(ctx, func(ctx context.Context) error {
		plan = newCascade(e.clock.Now().UTC())
		return errors.Trace(e.cascadeDelete(ctx, plan, ref))
	}); err != nil {
		return time.Time{}, errors.Trace(err)
	}

	if e.logger.IsLevelEnabled(corelogger.TRACE) {
		e.logger.Tracef(ctx, "soft-delete cascade for %s transitioned: %s",
			ref, pretty.Sprint(plan.transitioned))
	}
	e.fireHooks(ctx, plan)
	return plan.at, nil
}

// cascadeDelete validates and marks the record, then walks its
// relations in declaration order. Everything it stages belongs to the
// ambient unit of work; any error unwinds the lot.
func (e *Engine) cascadeDelete(ctx context.Context, plan *cascade, ref record.Ref) error {
	// Cyclic graphs terminate here: a record transitions at most once
	// per cascade.
	if plan.visited.Contains(ref.String()) {
		return nil
	}
	plan.visited.Add(ref.String())

	d, err := e.registry.Descriptor(ref.Kind)
	if err != nil {
		return errors.Trace(err)
	}

	if err := e.validateUpdate(ctx, ref); err != nil {
		return err
	}
	if err := e.st.SetDeletedAt(ctx, ref, &plan.at); err != nil {
		return errors.Trace(err)
	}
	plan.transitioned = append(plan.transitioned, ref)

	for _, rel := range d.Relations {
		switch rel.Cascade {
		case deletion.CascadeIndependent:
			continue

		case deletion.CascadeNullify:
			deps, err := e.st.Dependents(ctx, ref, rel)
			if err != nil {
				return errors.Trace(err)
			}
			for _, dep := range deps {
				if err := e.st.ClearReference(ctx, dep, rel.ForeignKey); err != nil {
					return errors.Trace(err)
				}
			}

		case deletion.CascadeSoftDelete:
			depDesc, err := e.registry.Descriptor(rel.Kind)
			if err != nil {
				return errors.Trace(err)
			}
			deps, err := e.st.Dependents(ctx, ref, rel)
			if err != nil {
				return errors.Trace(err)
			}
			for _, dep := range deps {
				if depDesc.SoftDeletable {
					if err := e.cascadeDelete(ctx, plan, dep); err != nil {
						return errors.Trace(err)
					}
					continue
				}
				// No marker to set: the policy degrades to physical
				// removal rather than silently skipping. Removed
				// records never fire hooks.
				if err := e.st.Remove(ctx, dep); err != nil {
					return errors.Trace(err)
				}
			}
		}
	}
	return nil
}

// validateUpdate applies the persistence layer's update validation,
// translating a refusal into the engine's validation error. Kinds
// without configured validation pass.
func (e *Engine) validateUpdate(ctx context.Context, ref record.Ref) error {
	err := e.st.ValidateUpdate(ctx, ref)
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.NotImplemented) {
		return nil
	}
	return fmt.Errorf("validating %s: %w%w",
		ref, err, errors.Hide(tombstoneerrors.ValidationFailed))
}

// fireHooks runs the after-delete hooks of every record the committed
// cascade transitioned, in traversal order, registration order within
// a kind. The transition is already committed: a failing hook is
// reported and the rest still run.
func (e *Engine) fireHooks(ctx context.Context, plan *cascade) {
	for _, ref := range plan.transitioned {
		for _, hook := range e.registry.Hooks(ref.Kind) {
			if err := hook(ctx, ref, plan.at); err != nil {
				e.logger.Errorf(ctx, "after-delete hook for %s: %v", ref, err)
			}
		}
	}
}

// cascade accumulates one delete transition: the marker timestamp
// written and the records it was written to, in traversal order.
type cascade struct {
	at           time.Time
	visited      set.Strings
	transitioned []record.Ref
}

func newCascade(at time.Time) *cascade {
	return &cascade{
		at:      at,
		visited: set.NewStrings(),
	}
}
