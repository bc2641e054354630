package durable

import (
	"context"
	"time"
)

// Client is the subset of the engine consumed by workflow callers.
type Client interface {
	Start(ctx context.Context, kind, key string, input any, opts ...StartOption) error
	Status(ctx context.Context, key string) (*InstanceStatus, error)
	RaiseEvent(ctx context.Context, key, name, payload string, opts ...EventOption) error
	Terminate(ctx context.Context, key, reason string) error
	Purge(ctx context.Context, before time.Time, statuses ...Status) (int64, error)
}

// StartPolicy decides what Start does when the key is already active.
type StartPolicy int

const (
	// StartReplace supersedes the active instance.
	StartReplace StartPolicy = iota
	// StartReject leaves the active instance alone and returns ErrInstanceExists.
	StartReject
)

type startOptions struct {
	policy StartPolicy
}

// StartOption configures a Start call.
type StartOption func(*startOptions)

// WithStartPolicy sets the policy applied to an already active key.
func WithStartPolicy(p StartPolicy) StartOption {
	return func(o *startOptions) { o.policy = p }
}

type eventOptions struct {
	dedupID string
}

// EventOption configures a RaiseEvent call.
type EventOption func(*eventOptions)

// WithEventID attaches a caller-supplied identifier. A second event with
// the same identifier for the same key is accepted and ignored.
func WithEventID(id string) EventOption {
	return func(o *eventOptions) { o.dedupID = id }
}

// StartPolicyOf returns the policy selected by opts.
func StartPolicyOf(opts ...StartOption) StartPolicy {
	o := startOptions{policy: StartReplace}
	for _, opt := range opts {
		opt(&o)
	}
	return o.policy
}

// EventIDOf returns the event id selected by opts, or "".
func EventIDOf(opts ...EventOption) string {
	var o eventOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.dedupID
}
