package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a key has no stored value
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps backend failures that may succeed on retry
	ErrUnavailable = errors.New("storage unavailable")
)

// StateKey identifies the persisted state of one calculated field
type StateKey struct {
	TenantID uuid.UUID `json:"tenant_id"`
	EntityID uuid.UUID `json:"entity_id"`
	FieldID  uuid.UUID `json:"field_id"`
}

// String renders the key as tenant/entity/field
func (k StateKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.EntityID, k.FieldID)
}

// StateStore is the durable key-value store for calculated-field state.
// Writes are last-writer-wins per key; distinct keys never contend.
type StateStore interface {
	Get(ctx context.Context, key StateKey) ([]byte, error)
	Put(ctx context.Context, key StateKey, data []byte) error
	Delete(ctx context.Context, key StateKey) error
	DeleteEntity(ctx context.Context, tenantID, entityID uuid.UUID) error
	DeleteTenant(ctx context.Context, tenantID uuid.UUID) error
	ForEach(ctx context.Context, fn func(key StateKey, data []byte) error) error
	Close() error
}

// FieldStore persists calculated-field bindings
type FieldStore interface {
	GetField(ctx context.Context, tenantID, fieldID uuid.UUID) (*types.CalculatedField, error)
	SaveField(ctx context.Context, field *types.CalculatedField) error
	DeleteField(ctx context.Context, tenantID, fieldID uuid.UUID) error
	ListByEntity(ctx context.Context, tenantID, entityID uuid.UUID) ([]*types.CalculatedField, error)
	DeleteFieldsByEntity(ctx context.Context, tenantID, entityID uuid.UUID) error
	DeleteFieldsByTenant(ctx context.Context, tenantID uuid.UUID) error
}

// TaskQueue is the durable housekeeper task queue
type TaskQueue interface {
	EnqueueTask(task *types.HousekeeperTask) error
	UpdateTask(task *types.HousekeeperTask) error
	RemoveTask(id uuid.UUID) error
	ListTasks() ([]*types.HousekeeperTask, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
