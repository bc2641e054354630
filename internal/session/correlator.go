package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zulandar/ventriloquist/internal/durable"
)

// Snapshot is the state of one instance as seen by the dispatchers.
type Snapshot struct {
	Key    string
	Found  bool
	Status durable.Status
	Output string // session answer, set when Completed
	Reason string
	// Pending counts events raised but not yet consumed.
	Pending int
}

// Active reports whether the instance exists and can take events.
func (s Snapshot) Active() bool {
	return s.Found && s.Status.IsActive()
}

// Correlator maps users to their session and template instances. It holds
// no state of its own.
type Correlator struct {
	client durable.Client
	policy durable.StartPolicy
}

// NewCorrelator creates a Correlator over client. The policy applies when a
// launch finds a live session.
func NewCorrelator(client durable.Client, policy durable.StartPolicy) *Correlator {
	return &Correlator{client: client, policy: policy}
}

// Session returns the user's voice session. A missing instance is reported
// as Found=false, not as an error.
func (c *Correlator) Session(ctx context.Context, userID string) (Snapshot, error) {
	return c.snapshot(ctx, SessionKey(userID))
}

// Template returns the user's template build.
func (c *Correlator) Template(ctx context.Context, userID string) (Snapshot, error) {
	return c.snapshot(ctx, TemplateKey(userID))
}

func (c *Correlator) snapshot(ctx context.Context, key string) (Snapshot, error) {
	st, err := c.client.Status(ctx, key)
	if errors.Is(err, durable.ErrNotFound) {
		return Snapshot{Key: key}, nil
	}
	if err != nil {
		return Snapshot{Key: key}, fmt.Errorf("session: status %s: %w", key, err)
	}
	snap := Snapshot{Key: key, Found: true, Status: st.Status, Reason: st.Reason, Pending: st.PendingEvents}
	if st.Status == durable.StatusCompleted && st.Kind != KindTemplate {
		if err := st.DecodeOutput(&snap.Output); err != nil {
			return snap, fmt.Errorf("session: %w", err)
		}
	}
	return snap, nil
}

// StartSession launches the user's voice session. It reports false when
// the reject policy kept an already live session.
func (c *Correlator) StartSession(ctx context.Context, userID string) (bool, error) {
	err := c.client.Start(ctx, KindSession, SessionKey(userID), nil, durable.WithStartPolicy(c.policy))
	if errors.Is(err, durable.ErrInstanceExists) {
		log.Printf("session: %s already has a live session, keeping it", userID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: start session for %s: %w", userID, err)
	}
	return true, nil
}

// RestartSession starts the next cycle after a completed session.
func (c *Correlator) RestartSession(ctx context.Context, userID string) error {
	if err := c.client.Start(ctx, KindSession, SessionKey(userID), nil); err != nil {
		return fmt.Errorf("session: restart session for %s: %w", userID, err)
	}
	return nil
}

// StartTemplate begins a fresh template build, replacing any earlier one.
func (c *Correlator) StartTemplate(ctx context.Context, userID string) error {
	if err := c.client.Start(ctx, KindTemplate, TemplateKey(userID), nil); err != nil {
		return fmt.Errorf("session: start template for %s: %w", userID, err)
	}
	return nil
}

// RelayInput hands a chat line to the user's waiting session.
func (c *Correlator) RelayInput(ctx context.Context, userID, text, eventID string) error {
	return c.raise(ctx, SessionKey(userID), EventLineInput, text, eventID)
}

// AddToTemplate appends a chat line to the user's template build.
func (c *Correlator) AddToTemplate(ctx context.Context, userID, text, eventID string) error {
	return c.raise(ctx, TemplateKey(userID), EventAddToTemplate, text, eventID)
}

// FinishTemplate ends the user's template build; the list is delivered
// using replyToken.
func (c *Correlator) FinishTemplate(ctx context.Context, userID, replyToken, eventID string) error {
	return c.raise(ctx, TemplateKey(userID), EventAddToTemplate, TerminatorPayload(replyToken), eventID)
}

// TerminateSession stops the user's voice session.
func (c *Correlator) TerminateSession(ctx context.Context, userID, reason string) error {
	if err := c.client.Terminate(ctx, SessionKey(userID), reason); err != nil {
		return fmt.Errorf("session: terminate %s: %w", userID, err)
	}
	return nil
}

func (c *Correlator) raise(ctx context.Context, key, name, payload, eventID string) error {
	var opts []durable.EventOption
	if eventID != "" {
		opts = append(opts, durable.WithEventID(eventID))
	}
	if err := c.client.RaiseEvent(ctx, key, name, payload, opts...); err != nil {
		return fmt.Errorf("session: raise %s on %s: %w", name, key, err)
	}
	return nil
}
