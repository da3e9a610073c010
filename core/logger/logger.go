// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logger defines the logging contract consumed by the engine
// and the persistence adapters. Implementations live elsewhere so that
// consumers can bring their own backend.
package logger

import (
	"context"
)

// Logger is the minimal logging surface this module writes to.
type Logger interface {
	// Criticalf logs a message at the critical level.
	Criticalf(ctx context.Context, msg string, args ...any)

	// Errorf logs a message at the error level.
	Errorf(ctx context.Context, msg string, args ...any)

	// Warningf logs a message at the warning level.
	Warningf(ctx context.Context, msg string, args ...any)

	// Infof logs a message at the info level.
	Infof(ctx context.Context, msg string, args ...any)

	// Debugf logs a message at the debug level.
	Debugf(ctx context.Context, msg string, args ...any)

	// Tracef logs a message at the trace level.
	Tracef(ctx context.Context, msg string, args ...any)

	// IsLevelEnabled returns true if the given level is enabled for
	// the logger. Used to gate expensive trace rendering.
	IsLevelEnabled(Level) bool

	// Child returns a new logger with the given name, scoped under
	// this logger.
	Child(name string, tags ...string) Logger
}
