package models

import "time"

// Instance is one addressable orchestration instance. The key is the only
// identity: at most one row, and therefore one live execution, exists per
// key. Restarting or continuing an instance rotates ExecutionID.
type Instance struct {
	Key         string `gorm:"column:instance_key;primaryKey;size:191"`
	Kind        string `gorm:"size:64;not null"`
	Status      string `gorm:"size:16;not null;index"`
	ExecutionID string `gorm:"size:36;not null"`
	Input       string `gorm:"type:text"` // JSON
	Output      string `gorm:"type:text"` // JSON, set on completion
	Reason      string `gorm:"size:255"`  // termination reason or failure message
	Generation  int    `gorm:"default:0"` // continue-as-new count since Start
	CreatedAt   time.Time
	UpdatedAt   time.Time `gorm:"index"`
	CompletedAt *time.Time
}

// Event states.
const (
	EventPending  = "pending"
	EventConsumed = "consumed"
	EventDropped  = "dropped"
)

// InstanceEvent is an external event raised against an instance. Events are
// consumed in ID order, one per wait, and never deleted until the owning
// instance is purged, so DedupID keeps rejecting redeliveries.
type InstanceEvent struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	InstanceKey string  `gorm:"size:191;not null;index:idx_event_lookup;uniqueIndex:idx_event_dedup"`
	ExecutionID string  `gorm:"size:36;not null;index:idx_event_lookup"`
	Name        string  `gorm:"size:64;not null"`
	Payload     string  `gorm:"type:text"`
	DedupID     *string `gorm:"size:128;uniqueIndex:idx_event_dedup"`
	State       string  `gorm:"size:16;default:pending;index"`
	Sequence    int     // consumption order within the execution, 0 while pending
	CreatedAt   time.Time
	ConsumedAt  *time.Time
}

// ActivityRecord journals the result of one activity call so a resumed
// execution replays it instead of repeating the side effect.
type ActivityRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	InstanceKey string `gorm:"size:191;not null;index:idx_activity_lookup"`
	ExecutionID string `gorm:"size:36;not null;index:idx_activity_lookup"`
	Sequence    int    `gorm:"not null"`
	Name        string `gorm:"size:64;not null"`
	Output      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
}
