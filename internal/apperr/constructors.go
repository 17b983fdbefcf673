package apperr

import (
	"fmt"
	"strings"
)

// SessionNotFound reports a missing session.
func SessionNotFound(id string) *Error {
	return New(CodeSessionNotFound, "session not found: %s", id).
		WithDetail("session_id", id).
		WithSuggestions(
			"Check the session id returned by the create or execute call",
			"The session may have expired or been evicted; start a new session",
		)
}

// SessionAlreadyExists reports a duplicate externally supplied id.
func SessionAlreadyExists(id string) *Error {
	return New(CodeSessionAlreadyExists, "session already exists: %s", id).
		WithDetail("session_id", id).
		WithSuggestions("Omit the session id to have one generated", "Resume the existing session instead")
}

// InvalidSessionID reports a malformed externally supplied id.
func InvalidSessionID(id, reason string) *Error {
	return New(CodeInvalidSessionID, "invalid session id: %s", reason).
		WithDetail("max_length", MaxIDLength).
		WithSuggestions(
			"Use only letters, digits, '-', '_' and '.'",
			fmt.Sprintf("Keep the id between 1 and %d characters", MaxIDLength),
		)
}

// InvalidStep reports a step number outside the session's range.
func InvalidStep(step, total int) *Error {
	return New(CodeInvalidStep, "step %d is outside 1..%d", step, total).
		WithDetail("step", step).
		WithDetail("total_steps", total).
		WithSuggestions(fmt.Sprintf("Send a currentStep between 1 and %d", total))
}

// TechniqueMismatch reports a step whose technique differs from its session.
func TechniqueMismatch(sessionID, want, got string) *Error {
	return New(CodeTechniqueMismatch, "session %s runs technique %s, not %s", sessionID, want, got).
		WithDetail("expected", want).
		WithDetail("received", got).
		WithSuggestions(fmt.Sprintf("Send technique %q for this session", want), "Start a new session for a different technique")
}

// InvalidArgument reports a malformed request field.
func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, format, args...).
		WithSuggestions("Correct the request fields and retry")
}

// SessionTooLarge reports a mutation that would exceed the size ceiling.
func SessionTooLarge(id string, size, limit int64) *Error {
	return New(CodeSessionTooLarge, "session %s would be %d bytes, limit is %d", id, size, limit).
		WithDetail("session_id", id).
		WithDetail("size_bytes", size).
		WithDetail("limit_bytes", limit).
		WithSuggestions("Shorten the step output", "Split the work into a new session")
}

// MaxSessionsExceeded reports that eviction could not free capacity.
func MaxSessionsExceeded(limit int) *Error {
	return New(CodeMaxSessionsExceeded, "session capacity exhausted (max %d)", limit).
		WithDetail("max_sessions", limit).
		WithSuggestions("Delete finished sessions", "Raise sessions.max_sessions")
}

// CircularDependency reports a cycle found while validating a group.
func CircularDependency(cycle []string) *Error {
	return New(CodeCircularDependency, "circular dependency: %s", strings.Join(cycle, " -> ")).
		WithDetail("cycle", cycle).
		WithSuggestions("Remove one dependency edge from the cycle")
}

// DependenciesNotMet reports a premature start or convergence.
func DependenciesNotMet(subject string, outstanding []string) *Error {
	return New(CodeDependenciesNotMet, "%s is waiting on %d unfinished session(s)", subject, len(outstanding)).
		WithDetail("outstanding", outstanding).
		WithSuggestions("Complete the outstanding sessions first", "Check get_group_progress for runnable sessions")
}

// UnknownDependency reports a dependency on a plan that is not in the group.
func UnknownDependency(planID, dep string) *Error {
	return New(CodeUnknownDependency, "plan %s depends on unknown plan %s", planID, dep).
		WithDetail("plan_id", planID).
		WithDetail("dependency", dep).
		WithSuggestions("Reference only plan ids defined in the same group")
}

// GroupNotFound reports a missing group.
func GroupNotFound(id string) *Error {
	return New(CodeGroupNotFound, "group not found: %s", id).
		WithDetail("group_id", id).
		WithSuggestions("Check the group id returned by create_parallel_group")
}

// SessionConflict reports a session removed while an operation was in flight.
func SessionConflict(id, op string) *Error {
	return New(CodeSessionConflict, "session %s changed during %s", id, op).
		WithDetail("session_id", id).
		WithSuggestions("Fetch the session again and retry the operation")
}

// RequestTimeout reports an operation abandoned at its deadline. Any session
// lock it was waiting on was not acquired.
func RequestTimeout(op string, cause error) *Error {
	e := New(CodeRequestTimeout, "%s did not finish before its deadline", op).
		WithDetail("operation", op).
		WithSuggestions("Retry the call", "The session may be busy with another step")
	e.Cause = cause
	return e
}
