package contract

import "errors"

var (
	// ErrStateTransition: an edge not present in the transition table was attempted.
	ErrStateTransition = errors.New("illegal state transition")
	// ErrActionValidation: malformed payload or action disallowed for the current status.
	ErrActionValidation = errors.New("action validation failed")
	// ErrSlotUnavailable: the slot was at capacity at write time.
	ErrSlotUnavailable = errors.New("slot unavailable")
	// ErrStorageConflict: optimistic-concurrency collision on the session record.
	ErrStorageConflict = errors.New("storage version conflict")
	// ErrExternalTimeout: the agent or notification collaborator missed its deadline.
	ErrExternalTimeout = errors.New("external call timed out")

	ErrValidation = errors.New("validation failed")
)
