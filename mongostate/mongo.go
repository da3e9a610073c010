// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongostate

import (
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/txn"
	jujutxn "github.com/juju/txn/v3"
)

// Query is a prepared read against a collection.
type Query interface {
	// One unmarshals the single matching document into result,
	// returning mgo.ErrNotFound when nothing matches.
	One(result interface{}) error

	// All unmarshals every matching document into the slice result
	// points to.
	All(result interface{}) error

	// Count returns the number of matching documents.
	Count() (int, error)

	// Sort orders the results by the given fields.
	Sort(fields ...string) Query
}

// Collection is the fragment of a Mongo collection the store reads
// through.
type Collection interface {
	// Name returns the collection's name.
	Name() string

	// Find returns a query matching the given selector, which must be
	// nil or a bson.D.
	Find(query interface{}) Query

	// FindId returns a query matching the document with the given _id.
	FindId(id interface{}) Query
}

// Mongo exposes the database operations the store builds on. The
// production implementation is NewMongo; tests substitute their own.
type Mongo interface {
	// RunTransaction runs the supplied operations as a single
	// transaction, returning txn.ErrAborted when an assertion fails.
	RunTransaction(ops []txn.Op) error

	// GetCollection returns the named collection and a closer for the
	// session it is bound to.
	GetCollection(name string) (Collection, func())
}

// NewMongo returns a Mongo backed by the given database. Transactions
// run through a juju/txn runner; collections are bound to copied
// sessions so concurrent readers do not share socket state.
func NewMongo(db *mgo.Database) Mongo {
	return &mongoDatabase{
		db: db,
		runner: jujutxn.NewRunner(jujutxn.RunnerParams{
			Database: db,
		}),
	}
}

type mongoDatabase struct {
	db     *mgo.Database
	runner jujutxn.Runner
}

// RunTransaction is part of the Mongo interface.
func (m *mongoDatabase) RunTransaction(ops []txn.Op) error {
	return m.runner.RunTransaction(&jujutxn.Transaction{Ops: ops})
}

// GetCollection is part of the Mongo interface.
func (m *mongoDatabase) GetCollection(name string) (Collection, func()) {
	session := m.db.Session.Copy()
	return mongoCollection{coll: m.db.C(name).With(session)}, session.Close
}

// mongoCollection adapts *mgo.Collection to the store's read surface.
type mongoCollection struct {
	coll *mgo.Collection
}

func (c mongoCollection) Name() string {
	return c.coll.Name
}

func (c mongoCollection) Find(query interface{}) Query {
	return mongoQuery{query: c.coll.Find(query)}
}

func (c mongoCollection) FindId(id interface{}) Query {
	return mongoQuery{query: c.coll.FindId(id)}
}

type mongoQuery struct {
	query *mgo.Query
}

func (q mongoQuery) One(result interface{}) error {
	return q.query.One(result)
}

func (q mongoQuery) All(result interface{}) error {
	return q.query.All(result)
}

func (q mongoQuery) Count() (int, error) {
	return q.query.Count()
}

func (q mongoQuery) Sort(fields ...string) Query {
	return mongoQuery{query: q.query.Sort(fields...)}
}
