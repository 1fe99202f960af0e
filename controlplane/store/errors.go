package store

import "errors"

// Sentinel errors returned by store operations. The lifecycle layer maps
// these onto the API error taxonomy; callers test them with errors.Is.
var (
	// ErrNotFound means the id does not name a row.
	ErrNotFound = errors.New("not found")

	// ErrNotPending means a claim was attempted on a task that is no
	// longer pending; the usual cause is losing the claim race.
	ErrNotPending = errors.New("task is not pending")

	// ErrStaleClaim means the presented claim token does not match the
	// live claim (expired, released, or stolen by the reaper).
	ErrStaleClaim = errors.New("stale claim token")

	// ErrAlreadyTerminal means the task is in a final state and cannot
	// move again.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrInvalidTransition means the requested status change is not a
	// legal edge of the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotExpired means a reaper transition was attempted on a task
	// whose claim deadline has not passed (another actor got there first).
	ErrNotExpired = errors.New("claim is not expired")

	// ErrBadCursor means a list cursor could not be decoded; cursors are
	// opaque and only valid verbatim from a previous page response.
	ErrBadCursor = errors.New("malformed list cursor")
)
