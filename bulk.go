// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tombstone

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/juju/tombstone/core/record"
	tombstoneerrors "github.com/juju/tombstone/errors"
	"github.com/juju/tombstone/scope"
)

// Result reports the outcome of one member of a bulk operation.
type Result struct {
	// Ref identifies the record the result is for.
	Ref record.Ref

	// DeletedAt is the marker written for the member; set on success.
	DeletedAt *time.Time

	// Err is the member's failure. A nil Err means the member's
	// cascade committed.
	Err error
}

// SoftDeleteAll applies the single-record delete semantics to every
// identifier of the given kind. Atomicity is per member: each
// identifier's cascade runs in its own unit of work, one member's
// failure does not block the rest, and the outcome of every member is
// reported in order.
//
// Identifiers resolve regardless of visibility scope, so re-deleting
// an already deleted member succeeds idempotently; identifiers with no
// record at all report a not-found error in their result. Type-level
// misuse, an unregistered or markerless kind, fails the whole call.
func (e *Engine) SoftDeleteAll(ctx context.Context, kind string, ids ...string) ([]Result, error) {
	if _, err := e.deletableKind(kind); err != nil {
		return nil, errors.Trace(err)
	}

	results := make([]Result, len(ids))
	for i, id := range ids {
		results[i] = e.deleteMember(ctx, record.Ref{Kind: kind, ID: id})
	}
	return results, nil
}

// SoftDeleteRecords applies the single-record delete semantics to
// every loaded record, which must all be of one kind. Per-member
// atomicity and result reporting follow SoftDeleteAll. Members that
// carry an in-memory marker have it updated on success.
func (e *Engine) SoftDeleteRecords(ctx context.Context, recs ...record.Record) ([]Result, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	kind := recs[0].Ref().Kind
	if _, err := e.deletableDescriptor(recs[0].Ref()); err != nil {
		return nil, errors.Trace(err)
	}
	for _, rec := range recs {
		if rec.Ref().Kind != kind {
			return nil, errors.NotValidf(
				"mixed-kind selector: %q and %q", kind, rec.Ref().Kind)
		}
	}

	results := make([]Result, len(recs))
	for i, rec := range recs {
		res := e.deleteMember(ctx, rec.Ref())
		if res.Err == nil {
			if marked, ok := rec.(record.Marked); ok {
				marked.SetDeletedAt(res.DeletedAt)
			}
		}
		results[i] = res
	}
	return results, nil
}

// deleteMember runs one member's delete cascade, capturing the
// outcome rather than unwinding the batch.
func (e *Engine) deleteMember(ctx context.Context, ref record.Ref) Result {
	res := Result{Ref: ref}
	if err := ref.Validate(); err != nil {
		res.Err = errors.Trace(err)
		return res
	}

	// Resolution is unrestricted: a member that is already deleted is
	// still a member, and re-deleting it is idempotent.
	exists, err := e.st.Exists(scope.WithUnrestricted(ctx, ref.Kind), ref)
	if err != nil {
		res.Err = errors.Trace(err)
		return res
	}
	if !exists {
		res.Err = fmt.Errorf("record %s not found%w",
			ref, errors.Hide(tombstoneerrors.RecordNotFound))
		return res
	}

	at, err := e.runDelete(ctx, ref)
	if err != nil {
		res.Err = errors.Trace(err)
		return res
	}
	res.DeletedAt = &at
	return res
}
