package types

import (
	"time"

	"github.com/google/uuid"
)

// HousekeeperTaskType is the kind of lifecycle cleanup a task performs
type HousekeeperTaskType string

const (
	TaskEvictEntity  HousekeeperTaskType = "EVICT_ENTITY"
	TaskDeleteTenant HousekeeperTaskType = "DELETE_TENANT"
)

// HousekeeperTask is one durable unit of cleanup work after a deletion
type HousekeeperTask struct {
	ID            uuid.UUID           `json:"id"`
	Type          HousekeeperTaskType `json:"type"`
	TenantID      uuid.UUID           `json:"tenant_id"`
	EntityID      uuid.UUID           `json:"entity_id,omitempty"`
	Attempts      int                 `json:"attempts"`
	LastError     string              `json:"last_error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`
}
