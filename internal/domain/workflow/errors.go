package workflow

import "errors"

var (
	// ErrInvalidTransition is returned when an action is not legal from the current state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState is returned when a state is not valid
	ErrInvalidState = errors.New("invalid state")

	// ErrGuardFailed is returned when a guard condition fails
	ErrGuardFailed = errors.New("guard condition failed")

	// ErrValidation is returned when a field required by the action is missing or malformed
	ErrValidation = errors.New("validation failed")

	// ErrPermissionDenied is returned when the actor may not perform the action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrVersionConflict is returned when the caller's version is stale
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateOperation marks a replayed idempotency key. Callers receive the
	// prior result instead of this error.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrChannelSyncFailure is a transient push failure; it is retried internally
	ErrChannelSyncFailure = errors.New("channel sync failed")

	// ErrChannelConflict marks a channel that needs a manual resync
	ErrChannelConflict = errors.New("channel conflict")

	// ErrNotFound is returned when no approval record exists for a quote
	ErrNotFound = errors.New("approval record not found")

	// ErrStoreUnavailable is returned when the record store cannot be reached
	ErrStoreUnavailable = errors.New("approval store unavailable")
)
