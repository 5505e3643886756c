package loggingutil

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that produced it.
const SubsystemKey = pslog.TrustedString("sys")

var noLogger = pslog.NoopLogger()

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// FromContext returns the logger carried by ctx or a disabled one.
func FromContext(ctx context.Context) pslog.Logger {
	if ctx == nil {
		return NoopLogger()
	}
	return EnsureLogger(pslog.LoggerFromContext(ctx))
}

// Subsystem joins non-empty parts with dots, e.g. "service.storage".
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every entry written through the
// returned logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem := Subsystem(parts...)
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
