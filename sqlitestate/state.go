// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sqlitestate implements the deletion engine's persistence
// surface on SQLite through sqlair.
//
// Storage convention: every registered kind is stored in a table of
// the same name, with the record id in a uuid column. Soft-deletable
// kinds carry their marker in a deleted_at DATETIME column, null while
// the record is active. Foreign references are columns named by the
// owning descriptor's relation declarations.
//
// Kind and foreign key names become SQL identifiers here. They are
// configuration, not user input, and anything that does not look like
// a plain lower-case identifier is rejected before it reaches a query.
package sqlitestate

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	"github.com/juju/tombstone"
	coredatabase "github.com/juju/tombstone/core/database"
	corelogger "github.com/juju/tombstone/core/logger"
	"github.com/juju/tombstone/core/record"
	"github.com/juju/tombstone/descriptor"
	tombstoneerrors "github.com/juju/tombstone/errors"
	"github.com/juju/tombstone/scope"
)

// txKey carries the ambient sqlair transaction through the context, so
// that nested RunTransaction calls and the primitive methods join the
// outermost unit of work.
type txKey struct{}

// Option configures a State beyond its required dependencies.
type Option func(*State)

// WithPolicy sets the policy consulted to validate updates before a
// marker is written. Without one, every update validates.
func WithPolicy(policy tombstone.Policy) Option {
	return func(s *State) {
		s.policy = policy
	}
}

// State implements tombstone.State on a SQLite database.
type State struct {
	factory  coredatabase.TxnRunnerFactory
	registry *descriptor.Registry
	filter   *scope.Filter
	logger   corelogger.Logger
	policy   tombstone.Policy

	mu    sync.Mutex
	db    coredatabase.TxnRunner
	stmts map[string]*sqlair.Statement
}

// New returns a State reading and writing through runners resolved
// from the given factory. The factory is invoked lazily, so the store
// can be constructed before its database exists.
func New(
	factory coredatabase.TxnRunnerFactory,
	registry *descriptor.Registry,
	logger corelogger.Logger,
	opts ...Option,
) *State {
	s := &State{
		factory:  factory,
		registry: registry,
		filter:   scope.NewFilter(registry),
		logger:   logger,
		stmts:    make(map[string]*sqlair.Statement),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the transaction runner, resolving it from the factory on
// first use.
func (s *State) DB() (coredatabase.TxnRunner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		if s.factory == nil {
			return nil, errors.New("nil transaction runner factory")
		}
		db, err := s.factory()
		if err != nil {
			return nil, errors.Annotate(err, "acquiring transaction runner")
		}
		s.db = db
	}
	return s.db, nil
}

// Prepare returns a sqlair statement for the query, preparing and
// caching it on first use. Queries are built per kind, so the cache is
// bounded by the registered configuration.
func (s *State) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Annotatef(err, "preparing %q", query)
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// RunTransaction implements tombstone.State. The outermost call opens
// one database transaction and threads it through the context; nested
// calls and the primitive methods join it.
func (s *State) RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlair.TX); ok {
		return errors.Trace(fn(ctx))
	}
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	}))
}

// run executes fn in the context's ambient transaction, or in its own
// short transaction when there is none.
func (s *State) run(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sqlair.TX); ok {
		return fn(ctx, tx)
	}
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return db.Txn(ctx, fn)
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
	table, err := s.deletableTable(ref.Kind)
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    deleted_at = $markerRow.deleted_at
WHERE  uuid = $entityUUID.uuid`, table), markerRow{}, entityUUID{})
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(s.run(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		err := tx.Query(ctx, stmt, markerRow{DeletedAt: at}, entityUUID{UUID: ref.ID}).Get(&outcome)
		if err != nil {
			return errors.Annotatef(err, "updating marker of %s", ref)
		}
		rows, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if rows == 0 {
			return recordNotFound(ref)
		}
		return nil
	}))
}

// Dependents implements tombstone.State, honouring the context's
// visibility scope for the dependent kind.
func (s *State) Dependents(ctx context.Context, owner record.Ref, rel descriptor.Relation) ([]record.Ref, error) {
	table, err := identifier(rel.Kind)
	if err != nil {
		return nil, errors.Trace(err)
	}
	column, err := identifier(rel.ForeignKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	visibility, err := s.filter.Visibility(ctx, rel.Kind)
	if err != nil {
		return nil, errors.Trace(err)
	}

	query := fmt.Sprintf(`
SELECT uuid AS &entityUUID.uuid
FROM   %s
WHERE  %s = $ownerUUID.owner_uuid`, table, column)
	if visibility == scope.Default {
		query += `
AND    deleted_at IS NULL`
	}
	query += `
ORDER BY uuid`

	stmt, err := s.Prepare(query, entityUUID{}, ownerUUID{})
	if err != nil {
		return nil, errors.Trace(err)
	}

	var rows []entityUUID
	if err := s.run(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, ownerUUID{UUID: owner.ID}).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	}); err != nil {
		return nil, errors.Annotatef(err, "resolving %q dependents of %s", rel.Name, owner)
	}

	if s.logger.IsLevelEnabled(corelogger.TRACE) {
		s.logger.Tracef(ctx, "%s has %d %q dependents under %s visibility",
			owner, len(rows), rel.Name, visibility)
	}
	return transform.Slice(rows, func(row entityUUID) record.Ref {
		return record.Ref{Kind: rel.Kind, ID: row.UUID}
	}), nil
}

// ClearReference implements tombstone.State.
func (s *State) ClearReference(ctx context.Context, dependent record.Ref, field string) error {
	if _, err := s.registry.Descriptor(dependent.Kind); err != nil {
		return errors.Trace(err)
	}
	table, err := identifier(dependent.Kind)
	if err != nil {
		return errors.Trace(err)
	}
	column, err := identifier(field)
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    %s = NULL
WHERE  uuid = $entityUUID.uuid`, table, column), entityUUID{})
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(s.run(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		err := tx.Query(ctx, stmt, entityUUID{UUID: dependent.ID}).Get(&outcome)
		if err != nil {
			return errors.Annotatef(err, "clearing %q on %s", field, dependent)
		}
		rows, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if rows == 0 {
			return recordNotFound(dependent)
		}
		return nil
	}))
}

// Remove implements tombstone.State. Removal is physical: the row is
// gone, not marked.
func (s *State) Remove(ctx context.Context, ref record.Ref) error {
	if _, err := s.registry.Descriptor(ref.Kind); err != nil {
		return errors.Trace(err)
	}
	table, err := identifier(ref.Kind)
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
DELETE FROM %s
WHERE uuid = $entityUUID.uuid`, table), entityUUID{})
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(s.run(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		err := tx.Query(ctx, stmt, entityUUID{UUID: ref.ID}).Get(&outcome)
		if err != nil {
			return errors.Annotatef(err, "removing %s", ref)
		}
		rows, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if rows == 0 {
			return recordNotFound(ref)
		}
		return nil
	}))
}

// Exists implements tombstone.State, honouring the context's
// visibility scope.
func (s *State) Exists(ctx context.Context, ref record.Ref) (bool, error) {
	visibility, err := s.filter.Visibility(ctx, ref.Kind)
	if err != nil {
		return false, errors.Trace(err)
	}
	table, err := identifier(ref.Kind)
	if err != nil {
		return false, errors.Trace(err)
	}
	return s.exists(ctx, table, ref.ID, visibility == scope.Default)
}

// exists reports whether the row is present, optionally restricted to
// active rows.
func (s *State) exists(ctx context.Context, table, id string, activeOnly bool) (bool, error) {
	query := fmt.Sprintf(`
SELECT uuid AS &entityUUID.uuid
FROM   %s
WHERE  uuid = $entityUUID.uuid`, table)
	if activeOnly {
		query += `
AND    deleted_at IS NULL`
	}
	stmt, err := s.Prepare(query, entityUUID{})
	if err != nil {
		return false, errors.Trace(err)
	}

	found := false
	if err := s.run(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var row entityUUID
		err := tx.Query(ctx, stmt, entityUUID{UUID: id}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		found = true
		return nil
	}); err != nil {
		return false, errors.Trace(err)
	}
	return found, nil
}

// DeletedAt implements tombstone.State. The marker is read regardless
// of the context's visibility scope; kinds without a marker are always
// active.
func (s *State) DeletedAt(ctx context.Context, ref record.Ref) (*time.Time, error) {
	d, err := s.registry.Descriptor(ref.Kind)
	if err != nil {
		return nil, errors.Trace(err)
	}
	table, err := identifier(ref.Kind)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if !d.SoftDeletable {
		// No marker column to read; report active if the row exists.
		found, err := s.exists(ctx, table, ref.ID, false)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !found {
			return nil, recordNotFound(ref)
		}
		return nil, nil
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT &markerRow.*
FROM   %s
WHERE  uuid = $entityUUID.uuid`, table), markerRow{}, entityUUID{})
	if err != nil {
		return nil, errors.Trace(err)
	}

	var row markerRow
	if err := s.run(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, entityUUID{UUID: ref.ID}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return recordNotFound(ref)
		}
		return errors.Trace(err)
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return row.DeletedAt, nil
}

// deletableTable resolves the kind to its table, rejecting kinds that
// cannot carry a deletion marker.
func (s *State) deletableTable(kind string) (string, error) {
	d, err := s.registry.Descriptor(kind)
	if err != nil {
		return "", errors.Trace(err)
	}
	if !d.SoftDeletable {
		return "", fmt.Errorf("kind %q has no deletion marker%w",
			kind, errors.Hide(tombstoneerrors.NotSoftDeletable))
	}
	return identifier(kind)
}

// validIdentifier matches the names this store is willing to splice
// into query text as a table or column identifier.
var validIdentifier = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func identifier(name string) (string, error) {
	if !validIdentifier.MatchString(name) {
		return "", errors.NotValidf("identifier %q", name)
	}
	return name, nil
}

func recordNotFound(ref record.Ref) error {
	return fmt.Errorf("record %s not found%w",
		ref, errors.Hide(tombstoneerrors.RecordNotFound))
}
