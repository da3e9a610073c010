// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing wires test harness logging into the core logger
// contract, so suites can capture module output per test.
package testing

import (
	"context"
	"fmt"

	corelogger "github.com/juju/tombstone/core/logger"
)

// CheckLog is the fragment of a test harness that log output is
// written to. Both *testing.T and *check.C satisfy it.
type CheckLog interface {
	Logf(string, ...any)
}

// WrapCheckLog returns a logger that writes all output to the given
// CheckLog, at trace and above.
func WrapCheckLog(log CheckLog) corelogger.Logger {
	return WrapCheckLogWithLevel(log, corelogger.TRACE)
}

// WrapCheckLogWithLevel returns a logger that writes output at the
// given level and above to the given CheckLog.
func WrapCheckLogWithLevel(log CheckLog, level corelogger.Level) corelogger.Logger {
	return checkLogger{
		log:   log,
		level: level,
	}
}

type checkLogger struct {
	log   CheckLog
	name  string
	level corelogger.Level
}

func (c checkLogger) logf(level corelogger.Level, msg string, args ...any) {
	if !c.IsLevelEnabled(level) {
		return
	}
	prefix := level.String()
	if c.name != "" {
		prefix = fmt.Sprintf("%s: %s", c.name, prefix)
	}
	c.log.Logf("%s: %s", prefix, fmt.Sprintf(msg, args...))
}

// Criticalf logs a message at the critical level.
func (c checkLogger) Criticalf(ctx context.Context, msg string, args ...any) {
	c.logf(corelogger.CRITICAL, msg, args...)
}

// Errorf logs a message at the error level.
func (c checkLogger) Errorf(ctx context.Context, msg string, args ...any) {
	c.logf(corelogger.ERROR, msg, args...)
}

// Warningf logs a message at the warning level.
func (c checkLogger) Warningf(ctx context.Context, msg string, args ...any) {
	c.logf(corelogger.WARNING, msg, args...)
}

// Infof logs a message at the info level.
func (c checkLogger) Infof(ctx context.Context, msg string, args ...any) {
	c.logf(corelogger.INFO, msg, args...)
}

// Debugf logs a message at the debug level.
func (c checkLogger) Debugf(ctx context.Context, msg string, args ...any) {
	c.logf(corelogger.DEBUG, msg, args...)
}

// Tracef logs a message at the trace level.
func (c checkLogger) Tracef(ctx context.Context, msg string, args ...any) {
	c.logf(corelogger.TRACE, msg, args...)
}

// IsLevelEnabled returns true if the given level is enabled for the
// logger.
func (c checkLogger) IsLevelEnabled(level corelogger.Level) bool {
	return level >= c.level
}

// Child returns a new logger with the given name.
func (c checkLogger) Child(name string, tags ...string) corelogger.Logger {
	return checkLogger{
		log:   c.log,
		name:  name,
		level: c.level,
	}
}
