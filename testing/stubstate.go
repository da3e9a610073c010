// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	gitjujutesting "github.com/juju/testing"

	"github.com/juju/tombstone/core/record"
	"github.com/juju/tombstone/descriptor"
	tombstoneerrors "github.com/juju/tombstone/errors"
	"github.com/juju/tombstone/scope"
)

// StubRecord is one record held by a StubState: its identity, its
// deletion marker, and the foreign references it carries.
type StubRecord struct {
	// Ref identifies the record.
	Ref record.Ref

	// DeletedAt is the record's deletion marker, nil when active.
	DeletedAt *time.Time

	// Refs maps foreign key field names to the id of the record they
	// reference. A cleared reference is removed from the map.
	Refs map[string]string
}

func (r *StubRecord) deepCopy() *StubRecord {
	out := &StubRecord{Ref: r.Ref}
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	if r.Refs != nil {
		out.Refs = make(map[string]string, len(r.Refs))
		for field, id := range r.Refs {
			out.Refs[field] = id
		}
	}
	return out
}

// StubState is an in-memory implementation of the engine's State,
// recording every call through its embedded Stub. Failures are
// programmed with Stub.SetErrors; every method pops one error so that
// calls and programmed errors stay aligned. Validation refusals for
// specific records are programmed with SetValidateErr.
//
// The outermost RunTransaction snapshots the record graph and restores
// it when the supplied function fails, so rollback behaviour is
// observable without a real database. Nested calls join the outer
// unit, as the engine's contract requires.
type StubState struct {
	*gitjujutesting.Stub

	records      map[string]*StubRecord
	validateErrs map[string]error
	txnDepth     int
}

// NewStubState returns an empty StubState recording into stub.
func NewStubState(stub *gitjujutesting.Stub) *StubState {
	return &StubState{
		Stub:         stub,
		records:      make(map[string]*StubRecord),
		validateErrs: make(map[string]error),
	}
}

// AddRecord adds an active record with the given foreign references
// and returns it for later inspection.
func (s *StubState) AddRecord(ref record.Ref, refs map[string]string) *StubRecord {
	rec := &StubRecord{Ref: ref, Refs: make(map[string]string)}
	for field, id := range refs {
		rec.Refs[field] = id
	}
	s.records[ref.String()] = rec
	return rec
}

// Record returns the live record for the ref, if any.
func (s *StubState) Record(ref record.Ref) (*StubRecord, bool) {
	rec, ok := s.records[ref.String()]
	return rec, ok
}

// Refs returns the refs of the live records of the given kind,
// regardless of deletion state, in id order.
func (s *StubState) Refs(kind string) []record.Ref {
	ids := set.NewStrings()
	for _, rec := range s.records {
		if rec.Ref.Kind == kind {
			ids.Add(rec.Ref.ID)
		}
	}
	out := make([]record.Ref, 0, ids.Size())
	for _, id := range ids.SortedValues() {
		out = append(out, record.Ref{Kind: kind, ID: id})
	}
	return out
}

// SetValidateErr programs ValidateUpdate to refuse the given record.
func (s *StubState) SetValidateErr(ref record.Ref, err error) {
	s.validateErrs[ref.String()] = err
}

// RunTransaction implements tombstone.State. The outermost call is
// the atomic boundary; a failure restores the graph as it stood when
// the unit opened.
func (s *StubState) RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.AddCall("RunTransaction")
	if err := s.NextErr(); err != nil {
		return errors.Trace(err)
	}

	if s.txnDepth > 0 {
		s.txnDepth++
		defer func() { s.txnDepth-- }()
		return fn(ctx)
	}

	snapshot := make(map[string]*StubRecord, len(s.records))
	for key, rec := range s.records {
		snapshot[key] = rec.deepCopy()
	}

	s.txnDepth++
	err := fn(ctx)
	s.txnDepth--
	if err != nil {
		s.records = snapshot
		return err
	}
	return nil
}

// ValidateUpdate implements tombstone.State.
func (s *StubState) ValidateUpdate(ctx context.Context, ref record.Ref) error {
	s.AddCall("ValidateUpdate", ref)
	if err := s.NextErr(); err != nil {
		return errors.Trace(err)
	}
	if err, ok := s.validateErrs[ref.String()]; ok {
		return err
	}
	return nil
}

// SetDeletedAt implements tombstone.State.
func (s *StubState) SetDeletedAt(ctx context.Context, ref record.Ref, at *time.Time) error {
	s.AddCall("SetDeletedAt", ref, at)
	if err := s.NextErr(); err != nil {
		return errors.Trace(err)
	}
	rec, ok := s.records[ref.String()]
	if !ok {
		return notFound(ref)
	}
	if at == nil {
		rec.DeletedAt = nil
		return nil
	}
	stamp := *at
	rec.DeletedAt = &stamp
	return nil
}

// Dependents implements tombstone.State, honouring the context's
// visibility scope. Results are in id order.
func (s *StubState) Dependents(ctx context.Context, owner record.Ref, rel descriptor.Relation) ([]record.Ref, error) {
	s.AddCall("Dependents", owner, rel)
	if err := s.NextErr(); err != nil {
		return nil, errors.Trace(err)
	}

	unrestricted := scope.IsUnrestricted(ctx, rel.Kind)
	ids := set.NewStrings()
	for _, rec := range s.records {
		if rec.Ref.Kind != rel.Kind || rec.Refs[rel.ForeignKey] != owner.ID {
			continue
		}
		if rec.DeletedAt != nil && !unrestricted {
			continue
		}
		ids.Add(rec.Ref.ID)
	}
	deps := make([]record.Ref, 0, ids.Size())
	for _, id := range ids.SortedValues() {
		deps = append(deps, record.Ref{Kind: rel.Kind, ID: id})
	}
	return deps, nil
}

// ClearReference implements tombstone.State.
func (s *StubState) ClearReference(ctx context.Context, dependent record.Ref, field string) error {
	s.AddCall("ClearReference", dependent, field)
	if err := s.NextErr(); err != nil {
		return errors.Trace(err)
	}
	rec, ok := s.records[dependent.String()]
	if !ok {
		return notFound(dependent)
	}
	delete(rec.Refs, field)
	return nil
}

// Remove implements tombstone.State.
func (s *StubState) Remove(ctx context.Context, ref record.Ref) error {
	s.AddCall("Remove", ref)
	if err := s.NextErr(); err != nil {
		return errors.Trace(err)
	}
	if _, ok := s.records[ref.String()]; !ok {
		return notFound(ref)
	}
	delete(s.records, ref.String())
	return nil
}

// Exists implements tombstone.State, honouring the context's
// visibility scope.
func (s *StubState) Exists(ctx context.Context, ref record.Ref) (bool, error) {
	s.AddCall("Exists", ref)
	if err := s.NextErr(); err != nil {
		return false, errors.Trace(err)
	}
	rec, ok := s.records[ref.String()]
	if !ok {
		return false, nil
	}
	if rec.DeletedAt != nil && !scope.IsUnrestricted(ctx, ref.Kind) {
		return false, nil
	}
	return true, nil
}

// DeletedAt implements tombstone.State.
func (s *StubState) DeletedAt(ctx context.Context, ref record.Ref) (*time.Time, error) {
	s.AddCall("DeletedAt", ref)
	if err := s.NextErr(); err != nil {
		return nil, errors.Trace(err)
	}
	rec, ok := s.records[ref.String()]
	if !ok {
		return nil, notFound(ref)
	}
	if rec.DeletedAt == nil {
		return nil, nil
	}
	at := *rec.DeletedAt
	return &at, nil
}

func notFound(ref record.Ref) error {
	return fmt.Errorf("record %s not found%w",
		ref, errors.Hide(tombstoneerrors.RecordNotFound))
}
