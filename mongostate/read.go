// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongostate

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"

	"github.com/juju/tombstone/core/record"
)

// Row is one record as the read surface reports it: its identity and
// its deletion marker, nil when the record is active or its kind
// carries no marker.
type Row struct {
	Ref       record.Ref
	DeletedAt *time.Time
}

// Find returns the identified record, honouring the context's
// visibility scope: a logically deleted record is not found under
// default visibility.
func (s *State) Find(ctx context.Context, kind, id string) (Row, error) {
	coll, closer, err := s.collectionFor(ctx, kind)
	if err != nil {
		return Row{}, errors.Trace(err)
	}
	defer closer()

	var doc recordDoc
	if err := coll.FindId(id).One(&doc); err == mgo.ErrNotFound {
		return Row{}, notFound(record.Ref{Kind: kind, ID: id})
	} else if err != nil {
		return Row{}, errors.Annotatef(err, "finding %s %q", kind, id)
	}
	return Row{
		Ref:       record.Ref{Kind: kind, ID: doc.ID},
		DeletedAt: utc(doc.DeletedAt),
	}, nil
}

// Refs returns the refs of the kind's records in id order, honouring
// the context's visibility scope.
func (s *State) Refs(ctx context.Context, kind string) ([]record.Ref, error) {
	coll, closer, err := s.collectionFor(ctx, kind)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer closer()

	var docs []recordDoc
	if err := coll.Find(nil).Sort(fieldID).All(&docs); err != nil {
		return nil, errors.Annotatef(err, "listing %s records", kind)
	}
	refs := make([]record.Ref, len(docs))
	for i, doc := range docs {
		refs[i] = record.Ref{Kind: kind, ID: doc.ID}
	}
	return refs, nil
}
