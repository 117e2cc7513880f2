package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey is the canonical key for subsystem tags.
	SubsystemKey = pslog.TrustedString("sys")
	// SessionKey tags every entry logged on behalf of one client connection.
	SessionKey = pslog.TrustedString("session")
	// RemoteKey carries the client address.
	RemoteKey = pslog.TrustedString("remote")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithSession tags entries with the session id and the client address.
func WithSession(logger pslog.Logger, sessionID, remote string) pslog.Logger {
	logger = EnsureLogger(logger)
	if sessionID != "" {
		logger = logger.With(SessionKey, sessionID)
	}
	if remote != "" {
		logger = logger.With(RemoteKey, remote)
	}
	return logger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}
