package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no instance exists for a key.
	ErrNotFound = errors.New("durable: instance not found")
	// ErrInstanceExists is returned by Start with StartReject when the key
	// already has an active instance.
	ErrInstanceExists = errors.New("durable: instance already active")
	// ErrUnknownKind is returned when no orchestrator is registered for a kind.
	ErrUnknownKind = errors.New("durable: unknown orchestrator kind")
	// ErrUnknownActivity is returned when no activity is registered for a name.
	ErrUnknownActivity = errors.New("durable: unknown activity")

	errSuperseded = errors.New("durable: execution superseded")
)

// ActivityError carries the failure message of an activity call. Replayed
// failures are reconstructed from the journal, so only the message survives.
type ActivityError struct {
	Activity string
	Message  string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("durable: activity %s: %s", e.Activity, e.Message)
}

// NondeterminismError is returned when a resumed orchestrator asks for a
// different step than the one recorded in its journal.
type NondeterminismError struct {
	Step     int
	Want     string
	Recorded string
}

func (e *NondeterminismError) Error() string {
	return fmt.Sprintf("durable: replay step %d: orchestrator asked for %s, journal recorded %s", e.Step, e.Want, e.Recorded)
}
