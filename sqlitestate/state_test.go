// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitestate_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/tombstone"
	"github.com/juju/tombstone/core/deletion"
	"github.com/juju/tombstone/core/record"
	"github.com/juju/tombstone/descriptor"
	tombstoneerrors "github.com/juju/tombstone/errors"
	loggertesting "github.com/juju/tombstone/internal/logger/testing"
	"github.com/juju/tombstone/internal/uuid"
	"github.com/juju/tombstone/scope"
	"github.com/juju/tombstone/sqlitestate"
	tombstonetesting "github.com/juju/tombstone/testing"
)

// forumSchema is the storage the forum fixture lives in, following the
// store's convention: table per kind, uuid primary key, deleted_at
// marker on soft-deletable kinds.
var forumSchema = []string{`
CREATE TABLE category (
    uuid       TEXT PRIMARY KEY,
    name       TEXT,
    deleted_at DATETIME
);`, `
CREATE TABLE forum (
    uuid          TEXT PRIMARY KEY,
    category_uuid TEXT REFERENCES category(uuid),
    deleted_at    DATETIME
);`, `
CREATE TABLE post (
    uuid       TEXT PRIMARY KEY,
    forum_uuid TEXT REFERENCES forum(uuid),
    deleted_at DATETIME
);`, `
CREATE TABLE attachment (
    uuid       TEXT PRIMARY KEY,
    forum_uuid TEXT REFERENCES forum(uuid)
);`, `
CREATE TABLE banner (
    uuid          TEXT PRIMARY KEY,
    category_uuid TEXT REFERENCES category(uuid),
    deleted_at    DATETIME
);`, `
CREATE TABLE audit (
    uuid          TEXT PRIMARY KEY,
    category_uuid TEXT
);`}

func forumDescriptors() []descriptor.Descriptor {
	return []descriptor.Descriptor{{
		Kind:          "category",
		SoftDeletable: true,
		Relations: []descriptor.Relation{{
			Name:       "forums",
			Kind:       "forum",
			ForeignKey: "category_uuid",
			Cascade:    deletion.CascadeSoftDelete,
		}, {
			Name:       "banners",
			Kind:       "banner",
			ForeignKey: "category_uuid",
			Cascade:    deletion.CascadeNullify,
		}, {
			Name:    "audits",
			Kind:    "audit",
			Cascade: deletion.CascadeIndependent,
		}},
	}, {
		Kind:          "forum",
		SoftDeletable: true,
		Relations: []descriptor.Relation{{
			Name:       "posts",
			Kind:       "post",
			ForeignKey: "forum_uuid",
			Cascade:    deletion.CascadeSoftDelete,
		}, {
			Name:       "attachments",
			Kind:       "attachment",
			ForeignKey: "forum_uuid",
			Cascade:    deletion.CascadeSoftDelete,
		}},
	}, {
		Kind:          "post",
		SoftDeletable: true,
	}, {
		Kind: "attachment",
	}, {
		Kind:          "banner",
		SoftDeletable: true,
	}, {
		Kind: "audit",
	}}
}

// stubPolicy validates updates, refusing the records it is programmed
// to refuse.
type stubPolicy struct {
	refusals map[string]error
}

func newStubPolicy() *stubPolicy {
	return &stubPolicy{refusals: make(map[string]error)}
}

func (p *stubPolicy) refuse(ref record.Ref, err error) {
	p.refusals[ref.String()] = err
}

// UpdateValidator implements tombstone.Policy.
func (p *stubPolicy) UpdateValidator(kind string) (tombstone.ValidateFunc, error) {
	return func(ctx context.Context, ref record.Ref) error {
		if err, ok := p.refusals[ref.String()]; ok {
			return err
		}
		return nil
	}, nil
}

type stateSuite struct {
	tombstonetesting.Suite

	registry *descriptor.Registry
	policy   *stubPolicy
	st       *sqlitestate.State
}

var _ = gc.Suite(&stateSuite{})

func (s *stateSuite) SetUpTest(c *gc.C) {
	s.Suite.SetUpTest(c)
	s.ApplySchema(c, forumSchema...)

	s.registry = descriptor.NewRegistry()
	for _, d := range forumDescriptors() {
		c.Assert(s.registry.Register(d), jc.ErrorIsNil)
	}
	s.policy = newStubPolicy()
	s.st = sqlitestate.New(
		s.TxnRunnerFactory(), s.registry, loggertesting.WrapCheckLog(c),
		sqlitestate.WithPolicy(s.policy),
	)
}

func (s *stateSuite) addRow(c *gc.C, table, id string) record.Ref {
	_, err := s.DB().Exec("INSERT INTO "+table+" (uuid) VALUES (?)", id)
	c.Assert(err, jc.ErrorIsNil)
	return record.Ref{Kind: table, ID: id}
}

func (s *stateSuite) addDependentRow(c *gc.C, table, id, fkColumn, ownerID string) record.Ref {
	_, err := s.DB().Exec(
		"INSERT INTO "+table+" (uuid, "+fkColumn+") VALUES (?, ?)", id, ownerID)
	c.Assert(err, jc.ErrorIsNil)
	return record.Ref{Kind: table, ID: id}
}

func newID() string {
	return uuid.MustNewUUID().String()
}

func (s *stateSuite) marker(c *gc.C, ref record.Ref) *time.Time {
	at, err := s.st.DeletedAt(context.Background(), ref)
	c.Assert(err, jc.ErrorIsNil)
	return at
}

func (s *stateSuite) TestSetDeletedAtRoundTrip(c *gc.C) {
	ref := s.addRow(c, "category", newID())
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	err := s.st.SetDeletedAt(context.Background(), ref, &at)
	c.Assert(err, jc.ErrorIsNil)

	got := s.marker(c, ref)
	c.Assert(got, gc.NotNil)
	c.Check(got.Equal(at), jc.IsTrue)

	err = s.st.SetDeletedAt(context.Background(), ref, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.marker(c, ref), gc.IsNil)
}

func (s *stateSuite) TestSetDeletedAtMissingRecord(c *gc.C) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	err := s.st.SetDeletedAt(context.Background(), record.Ref{Kind: "category", ID: newID()}, &at)
	c.Check(err, jc.ErrorIs, tombstoneerrors.RecordNotFound)
}

func (s *stateSuite) TestSetDeletedAtMarkerlessKind(c *gc.C) {
	ref := s.addRow(c, "audit", newID())
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	err := s.st.SetDeletedAt(context.Background(), ref, &at)
	c.Check(err, jc.ErrorIs, tombstoneerrors.NotSoftDeletable)
}

func (s *stateSuite) TestSetDeletedAtUnconfiguredKind(c *gc.C) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	err := s.st.SetDeletedAt(context.Background(), record.Ref{Kind: "ghost", ID: newID()}, &at)
	c.Check(err, jc.ErrorIs, tombstoneerrors.UnconfiguredType)
}

func (s *stateSuite) TestDeletedAtMissingRecord(c *gc.C) {
	_, err := s.st.DeletedAt(context.Background(), record.Ref{Kind: "category", ID: newID()})
	c.Check(err, jc.ErrorIs, tombstoneerrors.RecordNotFound)
}

func (s *stateSuite) TestDeletedAtMarkerlessKind(c *gc.C) {
	ref := s.addRow(c, "audit", newID())

	at, err := s.st.DeletedAt(context.Background(), ref)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(at, gc.IsNil)

	_, err = s.st.DeletedAt(context.Background(), record.Ref{Kind: "audit", ID: newID()})
	c.Check(err, jc.ErrorIs, tombstoneerrors.RecordNotFound)
}

func (s *stateSuite) TestDependents(c *gc.C) {
	category := s.addRow(c, "category", newID())
	f1 := s.addDependentRow(c, "forum", newID(), "category_uuid", category.ID)
	f2 := s.addDependentRow(c, "forum", newID(), "category_uuid", category.ID)
	// A forum of another category is not a dependent.
	other := s.addRow(c, "category", newID())
	s.addDependentRow(c, "forum", newID(), "category_uuid", other.ID)

	rel := descriptor.Relation{
		Name: "forums", Kind: "forum", ForeignKey: "category_uuid",
		Cascade: deletion.CascadeSoftDelete,
	}
	deps, err := s.st.Dependents(context.Background(), category, rel)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(deps, jc.SameContents, []record.Ref{f1, f2})
}

func (s *stateSuite) TestDependentsScope(c *gc.C) {
	category := s.addRow(c, "category", newID())
	f1 := s.addDependentRow(c, "forum", newID(), "category_uuid", category.ID)
	f2 := s.addDependentRow(c, "forum", newID(), "category_uuid", category.ID)

	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	c.Assert(s.st.SetDeletedAt(context.Background(), f1, &at), jc.ErrorIsNil)

	rel := descriptor.Relation{
		Name: "forums", Kind: "forum", ForeignKey: "category_uuid",
		Cascade: deletion.CascadeSoftDelete,
	}

	deps, err := s.st.Dependents(context.Background(), category, rel)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(deps, jc.SameContents, []record.Ref{f2})

	deps, err = s.st.Dependents(scope.WithUnrestricted(context.Background(), "forum"), category, rel)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(deps, jc.SameContents, []record.Ref{f1, f2})
}

func (s *stateSuite) TestClearReference(c *gc.C) {
	category := s.addRow(c, "category", newID())
	banner := s.addDependentRow(c, "banner", newID(), "category_uuid", category.ID)

	err := s.st.ClearReference(context.Background(), banner, "category_uuid")
	c.Assert(err, jc.ErrorIsNil)

	var fk sql.NullString
	row := s.DB().QueryRow("SELECT category_uuid FROM banner WHERE uuid = ?", banner.ID)
	c.Assert(row.Scan(&fk), jc.ErrorIsNil)
	c.Check(fk.Valid, jc.IsFalse)
}

func (s *stateSuite) TestClearReferenceMissingRecord(c *gc.C) {
	err := s.st.ClearReference(context.Background(), record.Ref{Kind: "banner", ID: newID()}, "category_uuid")
	c.Check(err, jc.ErrorIs, tombstoneerrors.RecordNotFound)
}

func (s *stateSuite) TestRemove(c *gc.C) {
	ref := s.addRow(c, "attachment", newID())

	err := s.st.Remove(context.Background(), ref)
	c.Assert(err, jc.ErrorIsNil)

	var n int
	row := s.DB().QueryRow("SELECT COUNT(*) FROM attachment WHERE uuid = ?", ref.ID)
	c.Assert(row.Scan(&n), jc.ErrorIsNil)
	c.Check(n, gc.Equals, 0)

	err = s.st.Remove(context.Background(), ref)
	c.Check(err, jc.ErrorIs, tombstoneerrors.RecordNotFound)
}

func (s *stateSuite) TestExists(c *gc.C) {
	ref := s.addRow(c, "category", newID())

	found, err := s.st.Exists(context.Background(), ref)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found, jc.IsTrue)

	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	c.Assert(s.st.SetDeletedAt(context.Background(), ref, &at), jc.ErrorIsNil)

	// Deleted records are invisible by default, visible unrestricted.
	found, err = s.st.Exists(context.Background(), ref)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found, jc.IsFalse)

	found, err = s.st.Exists(scope.WithUnrestricted(context.Background(), "category"), ref)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found, jc.IsTrue)

	found, err = s.st.Exists(context.Background(), record.Ref{Kind: "category", ID: newID()})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found, jc.IsFalse)
}

func (s *stateSuite) TestFind(c *gc.C) {
	ref := s.addRow(c, "category", newID())

	row, err := s.st.Find(context.Background(), "category", ref.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(row.Ref, gc.Equals, ref)
	c.Check(row.DeletedAt, gc.IsNil)

	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	c.Assert(s.st.SetDeletedAt(context.Background(), ref, &at), jc.ErrorIsNil)

	_, err = s.st.Find(context.Background(), "category", ref.ID)
	c.Check(err, jc.ErrorIs, tombstoneerrors.RecordNotFound)

	row, err = s.st.Find(scope.WithUnrestricted(context.Background(), "category"), "category", ref.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(row.DeletedAt, gc.NotNil)
	c.Check(row.DeletedAt.Equal(at), jc.IsTrue)
}

func (s *stateSuite) TestFindMarkerlessKind(c *gc.C) {
	ref := s.addRow(c, "audit", newID())

	// Kinds without a marker never raise scoping errors and are never
	// filtered.
	row, err := s.st.Find(context.Background(), "audit", ref.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(row.Ref, gc.Equals, ref)
	c.Check(row.DeletedAt, gc.IsNil)
}

func (s *stateSuite) TestFindUnconfiguredKind(c *gc.C) {
	_, err := s.st.Find(context.Background(), "ghost", newID())
	c.Check(err, jc.ErrorIs, tombstoneerrors.UnconfiguredType)
}

func (s *stateSuite) TestRefs(c *gc.C) {
	c1 := s.addRow(c, "category", "c-01")
	c2 := s.addRow(c, "category", "c-02")
	c3 := s.addRow(c, "category", "c-03")

	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	c.Assert(s.st.SetDeletedAt(context.Background(), c2, &at), jc.ErrorIsNil)

	refs, err := s.st.Refs(context.Background(), "category")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(refs, jc.DeepEquals, []record.Ref{c1, c3})

	refs, err = s.st.Refs(scope.WithUnrestricted(context.Background(), "category"), "category")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(refs, jc.DeepEquals, []record.Ref{c1, c2, c3})
}

func (s *stateSuite) TestRunTransactionRollsBack(c *gc.C) {
	ref := s.addRow(c, "category", newID())
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	boom := errors.New("boom")
	err := s.st.RunTransaction(context.Background(), func(ctx context.Context) error {
		if err := s.st.SetDeletedAt(ctx, ref, &at); err != nil {
			return err
		}
		return boom
	})
	c.Assert(errors.Cause(err), gc.Equals, boom)

	c.Check(s.marker(c, ref), gc.IsNil)
}

func (s *stateSuite) TestRunTransactionNestedJoinsOuter(c *gc.C) {
	c1 := s.addRow(c, "category", newID())
	c2 := s.addRow(c, "category", newID())
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	boom := errors.New("boom")
	err := s.st.RunTransaction(context.Background(), func(ctx context.Context) error {
		// The nested unit joins the outer one: its writes must not
		// commit independently.
		err := s.st.RunTransaction(ctx, func(ctx context.Context) error {
			return s.st.SetDeletedAt(ctx, c1, &at)
		})
		if err != nil {
			return err
		}
		if err := s.st.SetDeletedAt(ctx, c2, &at); err != nil {
			return err
		}
		return boom
	})
	c.Assert(errors.Cause(err), gc.Equals, boom)

	c.Check(s.marker(c, c1), gc.IsNil)
	c.Check(s.marker(c, c2), gc.IsNil)
}

func (s *stateSuite) TestRunTransactionCommits(c *gc.C) {
	ref := s.addRow(c, "category", newID())
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	err := s.st.RunTransaction(context.Background(), func(ctx context.Context) error {
		return s.st.SetDeletedAt(ctx, ref, &at)
	})
	c.Assert(err, jc.ErrorIsNil)

	got := s.marker(c, ref)
	c.Assert(got, gc.NotNil)
	c.Check(got.Equal(at), jc.IsTrue)
}

func (s *stateSuite) TestValidateUpdate(c *gc.C) {
	ref := s.addRow(c, "category", newID())

	err := s.st.ValidateUpdate(context.Background(), ref)
	c.Assert(err, jc.ErrorIsNil)

	boom := errors.New("frozen record")
	s.policy.refuse(ref, boom)
	err = s.st.ValidateUpdate(context.Background(), ref)
	c.Check(errors.Cause(err), gc.Equals, boom)
}

func (s *stateSuite) TestValidateUpdateWithoutPolicy(c *gc.C) {
	st := sqlitestate.New(s.TxnRunnerFactory(), s.registry, loggertesting.WrapCheckLog(c))
	err := st.ValidateUpdate(context.Background(), record.Ref{Kind: "category", ID: newID()})
	c.Check(err, jc.ErrorIsNil)
}
