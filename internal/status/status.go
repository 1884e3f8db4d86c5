// Package status defines the terminal status codes reported by sync tasks
// and consumed by the sync engine's service-state machine.
package status

// Code is the terminal status of one sync task.
type Code string

const (
	// OK - the mutation was applied and metadata updated.
	OK Code = "ok"

	// Retry - the pass did not reach the final target state (ancestor
	// creation pending, slot freed, activation raced); the caller must
	// re-run reconciliation for the same change.
	Retry Code = "retry"

	// NoChangeToSync - the remote-to-local queue had nothing to process.
	NoChangeToSync Code = "no_change_to_sync"

	// UnknownOrigin - no registration exists for the origin; the caller
	// must register the origin and retry.
	UnknownOrigin Code = "unknown_origin"

	// FileBusy - the remote tree has unobserved changes; a full remote
	// change listing must run before retrying.
	FileBusy Code = "file_busy"

	// Transient failures. Metadata is not mutated; the engine downgrades
	// its service state and the change is retried on a later cycle.
	NetworkError       Code = "network_error"
	ServiceUnavailable Code = "service_unavailable"
	Aborted            Code = "aborted"

	// Authentication failures. Mutation tasks are gated until resolved
	// externally.
	AuthenticationFailed Code = "authentication_failed"
	AccessForbidden      Code = "access_forbidden"

	// Fatal database failures. The engine disables itself.
	DatabaseCorruption Code = "database_corruption"
	DatabaseIOError    Code = "database_io_error"

	// Failed - unexpected invariant violation. Never silently retried.
	Failed Code = "failed"
)

// IsTransient reports whether the code indicates a temporary network or
// service problem.
func (c Code) IsTransient() bool {
	switch c {
	case NetworkError, ServiceUnavailable, Aborted:
		return true
	}
	return false
}

// IsAuthError reports whether the code requires external re-authentication.
func (c Code) IsAuthError() bool {
	return c == AuthenticationFailed || c == AccessForbidden
}

// IsDatabaseError reports whether the code is an unrecoverable local store
// failure.
func (c Code) IsDatabaseError() bool {
	return c == DatabaseCorruption || c == DatabaseIOError
}

func (c Code) String() string {
	return string(c)
}
