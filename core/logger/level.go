// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

// Level holds a severity level.
type Level uint32

// The severity levels. Higher values are more important.
const (
	// UNSPECIFIED indicates that no specific log level was set.
	UNSPECIFIED Level = iota

	// TRACE is the lowest log level.
	TRACE

	// DEBUG is a low log level, useful for debugging.
	DEBUG

	// INFO is the default log level.
	INFO

	// WARNING is a log level for messages that indicate a potential
	// problem.
	WARNING

	// ERROR is a log level for messages that indicate a problem.
	ERROR

	// CRITICAL is the highest log level.
	CRITICAL
)

// String implements fmt.Stringer.
func (level Level) String() string {
	switch level {
	case UNSPECIFIED:
		return "UNSPECIFIED"
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "<unknown>"
	}
}
