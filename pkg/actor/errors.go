package actor

import (
	"errors"
)

var (
	// ErrActorNotFound is returned when addressing an actor that is not registered
	ErrActorNotFound = errors.New("actor not found")
	// ErrActorStopping is returned once an actor stopped accepting new work
	ErrActorStopping = errors.New("actor is stopping")
	// ErrActorInit is returned when an actor could not be created or initialized
	ErrActorInit = errors.New("actor initialization failed")
	// ErrActorCrashed is delivered to the message that made an actor panic
	ErrActorCrashed = errors.New("actor crashed while processing message")
	// ErrMailboxFull is returned when the actor's mailbox limit is reached
	ErrMailboxFull = errors.New("actor mailbox is full")
	// ErrTenantDeleted is returned for messages addressed to a deleted tenant
	ErrTenantDeleted = errors.New("tenant has been deleted")
	// ErrRegistryStopped is returned after the registry was stopped
	ErrRegistryStopped = errors.New("registry is stopped")
	// ErrUnknownKind is returned when no creator is registered for an actor kind
	ErrUnknownKind = errors.New("no creator registered for actor kind")

	// errCellGone signals that a cell left the registry and may be recreated
	errCellGone = errors.New("actor cell is gone")
)

// IsRetryable reports whether redelivering the message later may succeed
func IsRetryable(err error) bool {
	return errors.Is(err, ErrActorInit) ||
		errors.Is(err, ErrMailboxFull) ||
		errors.Is(err, ErrActorStopping)
}
