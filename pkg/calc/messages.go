package calc

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// BindField creates or replaces a field binding on the entity
type BindField struct {
	Field    *types.CalculatedField
	Callback types.Callback

	retry backoff.BackOff
}

// Fail implements actor.Failable
func (m *BindField) Fail(err error) { m.Callback.Call(err) }

// UnbindField removes a binding, its configuration and its state
type UnbindField struct {
	FieldID  uuid.UUID
	Callback types.Callback

	retry backoff.BackOff
}

// Fail implements actor.Failable
func (m *UnbindField) Fail(err error) { m.Callback.Call(err) }

// Input carries new argument values for one field. Values are keyed by
// argument name.
type Input struct {
	FieldID  uuid.UUID
	Values   map[string]*ArgumentEntry
	Callback types.Callback

	retry backoff.BackOff
}

// Fail implements actor.Failable
func (m *Input) Fail(err error) { m.Callback.Call(err) }

// RefreshTick asks the actor to re-evaluate fields whose scheduled
// refresh is due. An empty FieldIDs means every loaded field.
type RefreshTick struct {
	Now      time.Time
	FieldIDs []uuid.UUID
}

// FieldDeleted drops a field's state after its binding was removed elsewhere
type FieldDeleted struct {
	FieldID  uuid.UUID
	Callback types.Callback

	retry backoff.BackOff
}

// Fail implements actor.Failable
func (m *FieldDeleted) Fail(err error) { m.Callback.Call(err) }

// EntityDeleted drops every field state of the entity
type EntityDeleted struct {
	Callback types.Callback

	retry backoff.BackOff
}

// Fail implements actor.Failable
func (m *EntityDeleted) Fail(err error) { m.Callback.Call(err) }

// retryable is implemented by messages that are redelivered after
// transient storage failures
type retryable interface {
	retryState() *backoff.BackOff
	Fail(err error)
}

func (m *BindField) retryState() *backoff.BackOff     { return &m.retry }
func (m *UnbindField) retryState() *backoff.BackOff   { return &m.retry }
func (m *Input) retryState() *backoff.BackOff         { return &m.retry }
func (m *FieldDeleted) retryState() *backoff.BackOff  { return &m.retry }
func (m *EntityDeleted) retryState() *backoff.BackOff { return &m.retry }
