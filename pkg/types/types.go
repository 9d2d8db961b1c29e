package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityKind identifies which actor implementation owns an ActorID
type EntityKind string

const (
	KindDevice          EntityKind = "DEVICE"
	KindCalculatedField EntityKind = "CALCULATED_FIELD_ENTITY"
)

// ActorID uniquely names an actor within a tenant
type ActorID struct {
	TenantID uuid.UUID
	EntityID uuid.UUID
	Kind     EntityKind
}

// DeviceActorID returns the identity of the device actor for a device
func DeviceActorID(tenantID, deviceID uuid.UUID) ActorID {
	return ActorID{TenantID: tenantID, EntityID: deviceID, Kind: KindDevice}
}

// CalculatedFieldActorID returns the identity of the calculated-field actor
// that owns every field binding of an entity
func CalculatedFieldActorID(tenantID, entityID uuid.UUID) ActorID {
	return ActorID{TenantID: tenantID, EntityID: entityID, Kind: KindCalculatedField}
}

// String renders the id as kind:tenant:entity
func (id ActorID) String() string {
	return fmt.Sprintf("%s:%s:%s", id.Kind, id.TenantID, id.EntityID)
}

// IsZero reports whether the id has not been set
func (id ActorID) IsZero() bool {
	return id.Kind == "" && id.TenantID == uuid.Nil && id.EntityID == uuid.Nil
}

// ParseActorID parses the String form of an ActorID
func ParseActorID(s string) (ActorID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ActorID{}, fmt.Errorf("invalid actor id %q", s)
	}

	kind := EntityKind(parts[0])
	if kind != KindDevice && kind != KindCalculatedField {
		return ActorID{}, fmt.Errorf("invalid actor kind %q", parts[0])
	}

	tenantID, err := uuid.Parse(parts[1])
	if err != nil {
		return ActorID{}, fmt.Errorf("invalid tenant id: %w", err)
	}

	entityID, err := uuid.Parse(parts[2])
	if err != nil {
		return ActorID{}, fmt.Errorf("invalid entity id: %w", err)
	}

	return ActorID{TenantID: tenantID, EntityID: entityID, Kind: kind}, nil
}

// SubscriptionType defines which device stream a session subscribes to
type SubscriptionType string

const (
	SubscriptionAttributes SubscriptionType = "ATTRIBUTES"
	SubscriptionRPC        SubscriptionType = "RPC"
)

// Valid reports whether t is a known subscription type
func (t SubscriptionType) Valid() bool {
	return t == SubscriptionAttributes || t == SubscriptionRPC
}

// SessionInfo tracks one transport session subscribed to a device stream
type SessionInfo struct {
	SessionID    uuid.UUID
	Type         SubscriptionType
	LastActivity time.Time
}

// Callback reports the outcome of an asynchronous operation.
// A nil error means success.
type Callback func(err error)

// Call invokes the callback if it is set
func (c Callback) Call(err error) {
	if c != nil {
		c(err)
	}
}

// Clock abstracts the wall clock so timers and deadlines can be driven in tests
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock
var SystemClock Clock = systemClock{}

// UnixMilli converts a time to the millisecond timestamps used in persisted state
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}
