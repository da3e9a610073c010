// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlitestate

import "time"

// entityUUID identifies one row by primary key.
type entityUUID struct {
	UUID string `db:"uuid"`
}

// ownerUUID carries an owning record's id into dependent lookups. The
// foreign key column it is compared against is spliced into the query
// text; only the value travels through this type.
type ownerUUID struct {
	UUID string `db:"owner_uuid"`
}

// markerRow carries a row's deletion marker.
type markerRow struct {
	DeletedAt *time.Time `db:"deleted_at"`
}

// refRow is a row read back through the Find surface.
type refRow struct {
	UUID      string     `db:"uuid"`
	DeletedAt *time.Time `db:"deleted_at"`
}
