// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongostate

import (
	"github.com/juju/mgo/v3/bson"
)

// scopedCollection wraps a Collection so that reads only see active
// documents: a deleted-at condition is injected into every query
// selector. Matching a nil marker matches documents without the field
// at all, so documents written before a kind became soft-deletable
// stay visible.
//
// Writes are not trapped; mutation goes through staged transaction
// operations, never through a collection.
type scopedCollection struct {
	Collection
}

// Find performs a query on the collection. The selector must be nil or
// a bson.D; a deleted-at condition is always added.
func (c scopedCollection) Find(query interface{}) Query {
	return c.Collection.Find(c.mungeQuery(query))
}

// FindId looks up a single active document by _id.
func (c scopedCollection) FindId(id interface{}) Query {
	return c.Find(bson.D{{Name: fieldID, Value: id}})
}

func (c scopedCollection) mungeQuery(inq interface{}) bson.D {
	outq := bson.D{{Name: fieldDeletedAt, Value: nil}}
	switch inq := inq.(type) {
	case bson.D:
		for _, elem := range inq {
			if elem.Name == fieldDeletedAt {
				panic("deleted-at is added automatically and should not be provided")
			}
			outq = append(outq, elem)
		}
	case nil:
	default:
		panic("query must be bson.D or nil")
	}
	return outq
}
