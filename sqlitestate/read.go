// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitestate

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	"github.com/juju/tombstone/core/record"
	"github.com/juju/tombstone/scope"
)

// Row is a record as the store hands it back: identity plus marker.
type Row struct {
	// Ref identifies the record.
	Ref record.Ref

	// DeletedAt is the record's deletion marker, nil while active.
	// Always nil for kinds without a marker.
	DeletedAt *time.Time
}

// Find returns the identified record if it is visible in the context's
// scope. A record outside the scope reports not-found, the same as a
// record that does not exist; widen the scope to read markers of
// deleted records.
func (s *State) Find(ctx context.Context, kind, id string) (Row, error) {
	ref := record.Ref{Kind: kind, ID: id}
	d, err := s.registry.Descriptor(kind)
	if err != nil {
		return Row{}, errors.Trace(err)
	}
	table, err := identifier(kind)
	if err != nil {
		return Row{}, errors.Trace(err)
	}
	visibility, err := s.filter.Visibility(ctx, kind)
	if err != nil {
		return Row{}, errors.Trace(err)
	}

	var query string
	if d.SoftDeletable {
		query = fmt.Sprintf(`
SELECT (uuid, deleted_at) AS (&refRow.*)
FROM   %s
WHERE  uuid = $entityUUID.uuid`, table)
		if visibility == scope.Default {
			query += `
AND    deleted_at IS NULL`
		}
	} else {
		query = fmt.Sprintf(`
SELECT uuid AS &refRow.uuid
FROM   %s
WHERE  uuid = $entityUUID.uuid`, table)
	}

	stmt, err := s.Prepare(query, refRow{}, entityUUID{})
	if err != nil {
		return Row{}, errors.Trace(err)
	}

	var row refRow
	if err := s.run(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, entityUUID{UUID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return recordNotFound(ref)
		}
		return errors.Trace(err)
	}); err != nil {
		return Row{}, errors.Trace(err)
	}
	return Row{Ref: ref, DeletedAt: row.DeletedAt}, nil
}

// Refs returns the refs of the kind's records visible in the context's
// scope, in id order.
func (s *State) Refs(ctx context.Context, kind string) ([]record.Ref, error) {
	table, err := identifier(kind)
	if err != nil {
		return nil, errors.Trace(err)
	}
	visibility, err := s.filter.Visibility(ctx, kind)
	if err != nil {
		return nil, errors.Trace(err)
	}

	query := fmt.Sprintf(`
SELECT uuid AS &entityUUID.uuid
FROM   %s`, table)
	if visibility == scope.Default {
		query += `
WHERE  deleted_at IS NULL`
	}
	query += `
ORDER BY uuid`

	stmt, err := s.Prepare(query, entityUUID{})
	if err != nil {
		return nil, errors.Trace(err)
	}

	var rows []entityUUID
	if err := s.run(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	}); err != nil {
		return nil, errors.Annotatef(err, "listing %q records", kind)
	}
	return transform.Slice(rows, func(row entityUUID) record.Ref {
		return record.Ref{Kind: kind, ID: row.UUID}
	}), nil
}
