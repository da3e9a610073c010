// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongostate implements the deletion engine's persistence
// surface on MongoDB through mgo/txn transactions.
//
// Storage convention: every registered kind is stored in a collection
// of the same name, with the record id as the document _id.
// Soft-deletable kinds carry their marker in a deleted-at field,
// absent while the record is active. Foreign references are document
// fields named by the owning descriptor's relation declarations.
//
// Mutation is staged. RunTransaction opens a unit of work in the
// context, the primitive methods pre-check their documents and append
// assert-guarded operations, and the outermost call submits the lot as
// one mgo/txn transaction. A failed assertion aborts the whole unit;
// nothing is written until commit, so an error on any primitive
// unwinds the unit by simply discarding it.
package mongostate

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"

	"github.com/juju/tombstone"
	corelogger "github.com/juju/tombstone/core/logger"
	"github.com/juju/tombstone/core/record"
	"github.com/juju/tombstone/descriptor"
	tombstoneerrors "github.com/juju/tombstone/errors"
	"github.com/juju/tombstone/scope"
)

const (
	// fieldID identifies the document id field.
	fieldID = "_id"

	// fieldDeletedAt identifies the deletion marker field.
	fieldDeletedAt = "deleted-at"
)

// recordDoc is the storage shape every kind shares: the record id and
// the deletion marker. Foreign reference fields vary per kind and are
// addressed through relation declarations, not struct tags.
type recordDoc struct {
	ID        string     `bson:"_id"`
	DeletedAt *time.Time `bson:"deleted-at,omitempty"`
}

// Params holds the dependencies of a State.
type Params struct {
	// Mongo exposes collections and transactions.
	Mongo Mongo

	// Registry supplies per-kind descriptors.
	Registry *descriptor.Registry

	// Logger reports unit-of-work tracing.
	Logger corelogger.Logger

	// Policy, if set, is consulted to validate updates before a marker
	// is written.
	Policy tombstone.Policy
}

// Validate returns an error if the params cannot build a State.
func (p Params) Validate() error {
	if p.Mongo == nil {
		return errors.NotValidf("nil Mongo")
	}
	if p.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if p.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// State implements tombstone.State on a MongoDB database.
type State struct {
	mongo    Mongo
	registry *descriptor.Registry
	filter   *scope.Filter
	logger   corelogger.Logger
	policy   tombstone.Policy
}

// New returns a State using the supplied params.
func New(p Params) (*State, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &State{
		mongo:    p.Mongo,
		registry: p.Registry,
		filter:   scope.NewFilter(p.Registry),
		logger:   p.Logger,
		policy:   p.Policy,
	}, nil
}

// uowKey carries the ambient unit of work through the context, so that
// nested RunTransaction calls and the primitive methods stage into the
// outermost unit.
type uowKey struct{}

// RunTransaction implements tombstone.State. The outermost call owns
// the unit of work: nested calls stage into it, and it is submitted as
// one transaction when the outermost function returns successfully.
func (s *State) RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(uowKey{}).(*unitOfWork); ok {
		return errors.Trace(fn(ctx))
	}
	uow := newUnitOfWork()
	if err := fn(context.WithValue(ctx, uowKey{}, uow)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.commit(ctx, uow))
}

// run gives fn the ambient unit of work, or a unit of its own that is
// committed when fn succeeds.
func (s *State) run(ctx context.Context, fn func(*unitOfWork) error) error {
	if uow, ok := ctx.Value(uowKey{}).(*unitOfWork); ok {
		return fn(uow)
	}
	uow := newUnitOfWork()
	if err := fn(uow); err != nil {
		return err
	}
	return s.commit(ctx, uow)
}

func (s *State) commit(ctx context.Context, uow *unitOfWork) error {
	ops := uow.ops()
	if len(ops) == 0 {
		return nil
	}
	if s.logger.IsLevelEnabled(corelogger.TRACE) {
		s.logger.Tracef(ctx, "committing unit of work with %d operations", len(ops))
	}
	return onAbort(s.mongo.RunTransaction(ops), fmt.Errorf(
		"unit of work aborted: a record was concurrently removed%w",
		errors.Hide(tombstoneerrors.RecordNotFound)))
}

// onAbort maps a transaction abort onto err. Every staged operation
// asserts its document exists, so an abort means a document went away
// between staging and commit.
func onAbort(txnErr, err error) error {
	if errors.Cause(txnErr) == txn.ErrAborted {
		return errors.Trace(err)
	}
	return errors.Trace(txnErr)
}

// ValidateUpdate implements tombstone.State, consulting the configured
// policy. With no policy, or no validator for the kind, updates pass.
func (s *State) ValidateUpdate(ctx context.Context, ref record.Ref) error {
	if s.policy == nil {
		return nil
	}
	validate, err := s.policy.UpdateValidator(ref.Kind)
	if errors.Is(err, errors.NotImplemented) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	} else if validate == nil {
		return errors.Errorf("policy returned nil update validator for %q without an error", ref.Kind)
	}
	return errors.Trace(validate(ctx, ref))
}

// SetDeletedAt implements tombstone.State.
func (s *State) SetDeletedAt(ctx context.Context, ref record.Ref, at *time.Time) error {
	d, err := s.registry.Descriptor(ref.Kind)
	if err != nil {
		return errors.Trace(err)
	}
	if !d.SoftDeletable {
		return fmt.Errorf("kind %q has no deletion marker%w",
			ref.Kind, errors.Hide(tombstoneerrors.NotSoftDeletable))
	}
	return errors.Trace(s.run(ctx, func(uow *unitOfWork) error {
		if err := s.checkExists(ref); err != nil {
			return errors.Trace(err)
		}
		if at == nil {
			uow.stageUnset(ref.Kind, ref.ID, fieldDeletedAt)
		} else {
			uow.stageSet(ref.Kind, ref.ID, fieldDeletedAt, *at)
		}
		return nil
	}))
}

// Dependents implements tombstone.State, honouring the context's
// visibility scope for the dependent kind.
func (s *State) Dependents(ctx context.Context, owner record.Ref, rel descriptor.Relation) ([]record.Ref, error) {
	coll, closer, err := s.collectionFor(ctx, rel.Kind)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer closer()

	var docs []recordDoc
	query := bson.D{{Name: rel.ForeignKey, Value: owner.ID}}
	if err := coll.Find(query).Sort(fieldID).All(&docs); err != nil {
		return nil, errors.Annotatef(err, "resolving %q dependents of %s", rel.Name, owner)
	}
	deps := make([]record.Ref, len(docs))
	for i, doc := range docs {
		deps[i] = record.Ref{Kind: rel.Kind, ID: doc.ID}
	}
	return deps, nil
}

// ClearReference implements tombstone.State.
func (s *State) ClearReference(ctx context.Context, dependent record.Ref, field string) error {
	if _, err := s.registry.Descriptor(dependent.Kind); err != nil {
		return errors.Trace(err)
	}
	if field == fieldID || field == fieldDeletedAt {
		return errors.NotValidf("reference field %q", field)
	}
	return errors.Trace(s.run(ctx, func(uow *unitOfWork) error {
		if err := s.checkExists(dependent); err != nil {
			return errors.Trace(err)
		}
		uow.stageUnset(dependent.Kind, dependent.ID, field)
		return nil
	}))
}

// Remove implements tombstone.State. Removal is physical: the document
// is gone, not marked.
func (s *State) Remove(ctx context.Context, ref record.Ref) error {
	if _, err := s.registry.Descriptor(ref.Kind); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.run(ctx, func(uow *unitOfWork) error {
		if err := s.checkExists(ref); err != nil {
			return errors.Trace(err)
		}
		uow.stageRemove(ref.Kind, ref.ID)
		return nil
	}))
}

// Exists implements tombstone.State, honouring the context's
// visibility scope.
func (s *State) Exists(ctx context.Context, ref record.Ref) (bool, error) {
	coll, closer, err := s.collectionFor(ctx, ref.Kind)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer closer()

	n, err := coll.FindId(ref.ID).Count()
	if err != nil {
		return false, errors.Trace(err)
	}
	return n > 0, nil
}

// DeletedAt implements tombstone.State. The marker is read regardless
// of the context's visibility scope; kinds without a marker are always
// active.
func (s *State) DeletedAt(ctx context.Context, ref record.Ref) (*time.Time, error) {
	d, err := s.registry.Descriptor(ref.Kind)
	if err != nil {
		return nil, errors.Trace(err)
	}
	coll, closer := s.mongo.GetCollection(ref.Kind)
	defer closer()

	if !d.SoftDeletable {
		n, err := coll.FindId(ref.ID).Count()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if n == 0 {
			return nil, notFound(ref)
		}
		return nil, nil
	}

	var doc recordDoc
	if err := coll.FindId(ref.ID).One(&doc); err == mgo.ErrNotFound {
		return nil, notFound(ref)
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading marker of %s", ref)
	}
	return utc(doc.DeletedAt), nil
}

// collectionFor returns the kind's collection, scoped to active
// documents unless the context's visibility for the kind is
// unrestricted.
func (s *State) collectionFor(ctx context.Context, kind string) (Collection, func(), error) {
	visibility, err := s.filter.Visibility(ctx, kind)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	coll, closer := s.mongo.GetCollection(kind)
	if visibility == scope.Default {
		return scopedCollection{coll}, closer, nil
	}
	return coll, closer, nil
}

// checkExists verifies the record's document is present, regardless of
// scope. The staged operation still asserts presence at commit time,
// so a document removed between the check and the commit aborts the
// unit rather than silently vanishing from it.
func (s *State) checkExists(ref record.Ref) error {
	coll, closer := s.mongo.GetCollection(ref.Kind)
	defer closer()
	n, err := coll.FindId(ref.ID).Count()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return notFound(ref)
	}
	return nil
}

// utc normalises a marker read from the database, which mgo may hand
// back in the local zone.
func utc(at *time.Time) *time.Time {
	if at == nil {
		return nil
	}
	t := at.UTC()
	return &t
}

func notFound(ref record.Ref) error {
	return fmt.Errorf("record %s not found%w",
		ref, errors.Hide(tombstoneerrors.RecordNotFound))
}

// unitOfWork accumulates the operations of one transaction. Staging
// folds repeated operations on the same document together: a single
// mgo/txn transaction may carry at most one operation per document.
type unitOfWork struct {
	order []string
	docs  map[string]*stagedDoc
}

type stagedDoc struct {
	collection string
	id         string
	remove     bool
	set        bson.D
	unset      bson.D
}

func newUnitOfWork() *unitOfWork {
	return &unitOfWork{docs: make(map[string]*stagedDoc)}
}

func (u *unitOfWork) doc(collection, id string) *stagedDoc {
	key := collection + "#" + id
	if d, ok := u.docs[key]; ok {
		return d
	}
	d := &stagedDoc{collection: collection, id: id}
	u.docs[key] = d
	u.order = append(u.order, key)
	return d
}

// stageSet records a field write on the document.
func (u *unitOfWork) stageSet(collection, id, field string, value interface{}) {
	d := u.doc(collection, id)
	if d.remove {
		return
	}
	d.unset = withoutField(d.unset, field)
	d.set = append(withoutField(d.set, field), bson.DocElem{Name: field, Value: value})
}

// stageUnset records a field removal on the document. Unsetting a
// field the document does not carry is a no-op at apply time, which is
// what lets clearing an absent marker succeed.
func (u *unitOfWork) stageUnset(collection, id, field string) {
	d := u.doc(collection, id)
	if d.remove {
		return
	}
	d.set = withoutField(d.set, field)
	d.unset = append(withoutField(d.unset, field), bson.DocElem{Name: field, Value: ""})
}

// stageRemove records the document's physical removal, superseding any
// staged field changes.
func (u *unitOfWork) stageRemove(collection, id string) {
	d := u.doc(collection, id)
	d.remove = true
	d.set, d.unset = nil, nil
}

func withoutField(fields bson.D, name string) bson.D {
	for i, elem := range fields {
		if elem.Name == name {
			return append(fields[:i], fields[i+1:]...)
		}
	}
	return fields
}

// ops materialises the staged work as assert-guarded operations, in
// first-touch order.
func (u *unitOfWork) ops() []txn.Op {
	out := make([]txn.Op, 0, len(u.order))
	for _, key := range u.order {
		d := u.docs[key]
		op := txn.Op{C: d.collection, Id: d.id, Assert: txn.DocExists}
		if d.remove {
			op.Remove = true
		} else {
			var update bson.D
			if len(d.set) > 0 {
				update = append(update, bson.DocElem{Name: "$set", Value: d.set})
			}
			if len(d.unset) > 0 {
				update = append(update, bson.DocElem{Name: "$unset", Value: d.unset})
			}
			op.Update = update
		}
		out = append(out, op)
	}
	return out
}
