// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package uuid provides identifier generation for records and test
// fixtures.
package uuid

import (
	"regexp"

	gouuid "github.com/google/uuid"
	"github.com/juju/errors"
)

var validUUID = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// UUID represents a universal identifier with 16 octets.
type UUID [16]byte

// NewUUID generates a new version 4 UUID.
func NewUUID() (UUID, error) {
	out, err := gouuid.NewRandom()
	if err != nil {
		return UUID{}, errors.Trace(err)
	}
	return UUID(out), nil
}

// MustNewUUID generates a new version 4 UUID, panicking on failure.
// Test fixture use only.
func MustNewUUID() UUID {
	uuid, err := NewUUID()
	if err != nil {
		panic(err)
	}
	return uuid
}

// UUIDFromString returns the UUID the canonical string representation
// parses to.
func UUIDFromString(s string) (UUID, error) {
	if !IsValidUUIDString(s) {
		return UUID{}, errors.NotValidf("uuid %q", s)
	}
	out, err := gouuid.Parse(s)
	if err != nil {
		return UUID{}, errors.Trace(err)
	}
	return UUID(out), nil
}

// IsValidUUIDString returns true if the given string is a canonical
// lower-case UUID.
func IsValidUUIDString(s string) bool {
	return validUUID.MatchString(s)
}

// String implements fmt.Stringer.
func (uuid UUID) String() string {
	return gouuid.UUID(uuid).String()
}
