package durable

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the runtime status of an orchestration instance.
type Status string

const (
	StatusPending        Status = "Pending"
	StatusRunning        Status = "Running"
	StatusContinuedAsNew Status = "ContinuedAsNew"
	StatusCompleted      Status = "Completed"
	StatusFailed         Status = "Failed"
	StatusTerminated     Status = "Terminated"
	StatusCanceled       Status = "Canceled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusContinuedAsNew,
	StatusCompleted,
	StatusFailed,
	StatusTerminated,
	StatusCanceled,
}

// activeStatuses is the IN-list used by guarded updates.
var activeStatuses = []string{
	string(StatusPending),
	string(StatusRunning),
	string(StatusContinuedAsNew),
}

// IsActive reports whether an instance in this status can still receive
// events.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusRunning, StatusContinuedAsNew:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusCanceled:
		return true
	}
	return false
}

// ParseStatus converts a status name into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("durable: unknown status %q", s)
}

// InstanceStatus is a point-in-time view of one instance.
type InstanceStatus struct {
	Key         string
	Kind        string
	Status      Status
	ExecutionID string
	Generation  int
	Input       string // JSON
	Output      string // JSON, empty until Completed
	Reason      string
	// PendingEvents counts raised events not yet consumed.
	PendingEvents int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// DecodeOutput unmarshals the instance output into v. It is a no-op when
// the instance has produced no output.
func (s *InstanceStatus) DecodeOutput(v any) error {
	if s.Output == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.Output), v); err != nil {
		return fmt.Errorf("durable: decode output of %s: %w", s.Key, err)
	}
	return nil
}
