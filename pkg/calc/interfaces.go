package calc

import (
	"context"

	"github.com/cuemby/fleetd/pkg/events"
	"github.com/cuemby/fleetd/pkg/storage"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// Result is a derived value handed to the rule pipeline
type Result struct {
	TenantID  uuid.UUID        `json:"tenantId"`
	EntityID  uuid.UUID        `json:"entityId"`
	FieldID   uuid.UUID        `json:"fieldId"`
	FieldName string           `json:"fieldName"`
	Type      types.OutputType `json:"type"`
	Scope     string           `json:"scope,omitempty"`
	Values    map[string]any   `json:"values"`
	Ts        int64            `json:"ts"`
	Version   int64            `json:"version"`
}

// Notifier hands results to the rule pipeline
type Notifier interface {
	Notify(ctx context.Context, result Result) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, result Result) error

func (f NotifierFunc) Notify(ctx context.Context, result Result) error {
	return f(ctx, result)
}

// FieldRepository looks up and persists calculated-field bindings
type FieldRepository interface {
	GetField(ctx context.Context, tenantID, fieldID uuid.UUID) (*types.CalculatedField, error)
	SaveField(ctx context.Context, field *types.CalculatedField) error
	DeleteField(ctx context.Context, tenantID, fieldID uuid.UUID) error
	ListByEntity(ctx context.Context, tenantID, entityID uuid.UUID) ([]*types.CalculatedField, error)
}

// DynamicArgumentSource fetches the current values of a field's dynamic
// arguments, e.g. zone polygons of related assets
type DynamicArgumentSource interface {
	Fetch(ctx context.Context, field *types.CalculatedField) (map[string]*ArgumentEntry, error)
}

// EventPublisher receives scheduling notifications
type EventPublisher interface {
	Publish(event *events.Event)
}

var _ FieldRepository = (*storage.BoltStore)(nil)
