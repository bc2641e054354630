// Package durabletest provides an in-memory durable.Client for tests that
// exercise callers without running orchestrators.
package durabletest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/ventriloquist/internal/durable"
)

// Event is one recorded RaiseEvent call that reached an active instance.
type Event struct {
	Key     string
	Name    string
	Payload string
	ID      string
}

type instance struct {
	kind      string
	status    durable.Status
	input     string
	output    string
	reason    string
	pending   int
	updatedAt time.Time
}

// Fake implements durable.Client. Instances never run on their own: tests
// move them between statuses with SetStatus and Complete.
type Fake struct {
	mu        sync.Mutex
	instances map[string]*instance
	events    []Event
	dropped   []Event
	seenIDs   map[string]bool
	starts    map[string]int
	statusErr error
	raiseErr  error

	// OnStatus, if set, runs before every Status call with the number of
	// calls made so far for the key. Tests use it to change state while a
	// caller is polling.
	OnStatus func(key string, call int)
	calls    map[string]int
}

var _ durable.Client = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		instances: make(map[string]*instance),
		seenIDs:   make(map[string]bool),
		starts:    make(map[string]int),
		calls:     make(map[string]int),
	}
}

// Start creates or replaces the instance for key in Running status.
func (f *Fake) Start(ctx context.Context, kind, key string, input any, opts ...durable.StartOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[key]; ok && inst.status.IsActive() && durable.StartPolicyOf(opts...) == durable.StartReject {
		return fmt.Errorf("durable: start %s: %w", key, durable.ErrInstanceExists)
	}
	raw, _ := json.Marshal(input)
	f.instances[key] = &instance{kind: kind, status: durable.StatusRunning, input: string(raw), updatedAt: time.Now()}
	f.starts[key]++
	return nil
}

// Status returns the instance view or durable.ErrNotFound.
func (f *Fake) Status(ctx context.Context, key string) (*durable.InstanceStatus, error) {
	f.mu.Lock()
	f.calls[key]++
	call := f.calls[key]
	hook := f.OnStatus
	f.mu.Unlock()
	if hook != nil {
		hook(key, call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	inst, ok := f.instances[key]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return &durable.InstanceStatus{
		Key:           key,
		Kind:          inst.kind,
		Status:        inst.status,
		Input:         inst.input,
		Output:        inst.output,
		Reason:        inst.reason,
		PendingEvents: inst.pending,
		UpdatedAt:     inst.updatedAt,
	}, nil
}

// RaiseEvent records the event for an active instance and drops it for a
// terminal one.
func (f *Fake) RaiseEvent(ctx context.Context, key, name, payload string, opts ...durable.EventOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raiseErr != nil {
		return f.raiseErr
	}
	inst, ok := f.instances[key]
	if !ok {
		return durable.ErrNotFound
	}
	ev := Event{Key: key, Name: name, Payload: payload, ID: durable.EventIDOf(opts...)}
	if !inst.status.IsActive() {
		f.dropped = append(f.dropped, ev)
		return nil
	}
	if ev.ID != "" {
		if f.seenIDs[key+"\x00"+ev.ID] {
			return nil
		}
		f.seenIDs[key+"\x00"+ev.ID] = true
	}
	f.events = append(f.events, ev)
	inst.pending++
	return nil
}

// Terminate marks an active instance Terminated.
func (f *Fake) Terminate(ctx context.Context, key, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[key]; ok && inst.status.IsActive() {
		inst.status = durable.StatusTerminated
		inst.reason = reason
		inst.pending = 0
		inst.updatedAt = time.Now()
	}
	return nil
}

// Purge removes matching terminal instances.
func (f *Fake) Purge(ctx context.Context, before time.Time, statuses ...durable.Status) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[durable.Status]bool)
	for _, s := range statuses {
		want[s] = true
	}
	var n int64
	for key, inst := range f.instances {
		if inst.status.IsTerminal() && (len(want) == 0 || want[inst.status]) && inst.updatedAt.Before(before) {
			delete(f.instances, key)
			n++
		}
	}
	return n, nil
}

// --- Test helpers ---

// SetStatus creates or updates the instance for key.
func (f *Fake) SetStatus(key string, status durable.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[key]
	if !ok {
		inst = &instance{}
		f.instances[key] = inst
	}
	inst.status = status
	inst.updatedAt = time.Now()
}

// Complete marks the instance Completed with output JSON-encoded.
func (f *Fake) Complete(key string, output any) {
	raw, _ := json.Marshal(output)
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[key]
	if !ok {
		inst = &instance{}
		f.instances[key] = inst
	}
	inst.status = durable.StatusCompleted
	inst.output = string(raw)
	inst.pending = 0
	inst.updatedAt = time.Now()
}

// SetPending overrides the pending event count reported for key.
func (f *Fake) SetPending(key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[key]; ok {
		inst.pending = n
	}
}

// SetStatusError makes every Status call fail with err.
func (f *Fake) SetStatusError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

// SetRaiseError makes every RaiseEvent call fail with err.
func (f *Fake) SetRaiseError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raiseErr = err
}

// Events returns the events accepted for key.
func (f *Fake) Events(key string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Key == key {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped returns the events raised against terminal instances.
func (f *Fake) Dropped() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.dropped))
	copy(out, f.dropped)
	return out
}

// Starts returns how many times Start succeeded for key.
func (f *Fake) Starts(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[key]
}

// Reason returns the termination reason recorded for key.
func (f *Fake) Reason(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[key]; ok {
		return inst.reason
	}
	return ""
}

// StatusCalls returns how many Status calls were made for key.
func (f *Fake) StatusCalls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}
