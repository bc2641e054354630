package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/ventriloquist/internal/models"
	"gorm.io/gorm"
)

// Context is handed to an orchestrator for one execution. Event waits and
// activity calls are journaled; when an execution is resumed after a
// restart, recorded steps are replayed from the journal in order before
// any new step touches the store.
type Context struct {
	engine      *Engine
	key         string
	kind        string
	executionID string
	input       string
	wake        <-chan struct{}

	events      []models.InstanceEvent
	eventCursor int
	records     []models.ActivityRecord
	recordIdx   int
}

func newContext(ctx context.Context, e *Engine, inst *models.Instance, wake <-chan struct{}) (*Context, error) {
	oc := &Context{
		engine:      e,
		key:         inst.Key,
		kind:        inst.Kind,
		executionID: inst.ExecutionID,
		input:       inst.Input,
		wake:        wake,
	}
	if err := e.db.WithContext(ctx).
		Where("instance_key = ? AND execution_id = ? AND state = ?", inst.Key, inst.ExecutionID, models.EventConsumed).
		Order("sequence").Find(&oc.events).Error; err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if err := e.db.WithContext(ctx).
		Where("instance_key = ? AND execution_id = ?", inst.Key, inst.ExecutionID).
		Order("sequence").Find(&oc.records).Error; err != nil {
		return nil, fmt.Errorf("load activities: %w", err)
	}
	return oc, nil
}

// InstanceKey returns the key of the running instance.
func (c *Context) InstanceKey() string { return c.key }

// ExecutionID returns the id of the current execution.
func (c *Context) ExecutionID() string { return c.executionID }

// IsReplaying reports whether the next step will be served from the journal.
func (c *Context) IsReplaying() bool {
	return c.eventCursor < len(c.events) || c.recordIdx < len(c.records)
}

// Input decodes the execution input into v. A null or empty input leaves v
// untouched.
func (c *Context) Input(v any) error {
	if c.input == "" || c.input == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(c.input), v); err != nil {
		return fmt.Errorf("durable: decode input of %s: %w", c.key, err)
	}
	return nil
}

// WaitForEvent suspends until an event named name is available and returns
// its payload. Events are consumed oldest first, one per call.
func (c *Context) WaitForEvent(ctx context.Context, name string) (string, error) {
	if c.eventCursor < len(c.events) {
		ev := c.events[c.eventCursor]
		c.eventCursor++
		if ev.Name != name {
			return "", &NondeterminismError{Step: c.eventCursor, Want: "event " + name, Recorded: "event " + ev.Name}
		}
		return ev.Payload, nil
	}

	var poll <-chan time.Time
	if c.engine.pollInterval > 0 {
		t := time.NewTicker(c.engine.pollInterval)
		defer t.Stop()
		poll = t.C
	}
	for {
		payload, ok, err := c.tryConsume(ctx, name)
		if err != nil {
			return "", err
		}
		if ok {
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.wake:
		case <-poll:
			if err := c.checkCurrent(ctx); err != nil {
				return "", err
			}
		}
	}
}

// checkCurrent reports errSuperseded once the instance row no longer holds
// this execution as active, e.g. after another process terminated it.
func (c *Context) checkCurrent(ctx context.Context) error {
	var n int64
	err := c.engine.db.WithContext(ctx).Model(&models.Instance{}).
		Where("instance_key = ? AND execution_id = ? AND status IN ?", c.key, c.executionID, activeStatuses).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("durable: check %s: %w", c.key, err)
	}
	if n == 0 {
		return errSuperseded
	}
	return nil
}

// tryConsume claims the oldest pending event named name, if any.
func (c *Context) tryConsume(ctx context.Context, name string) (string, bool, error) {
	var (
		payload string
		ok      bool
	)
	err := c.engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev models.InstanceEvent
		result := tx.Where("instance_key = ? AND name = ? AND state = ?", c.key, name, models.EventPending).
			Order("id").First(&ev)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if result.Error != nil {
			return result.Error
		}
		seq := c.eventCursor + 1
		now := time.Now()
		claimed := tx.Model(&models.InstanceEvent{}).
			Where("id = ? AND state = ?", ev.ID, models.EventPending).
			Updates(map[string]interface{}{
				"state":        models.EventConsumed,
				"execution_id": c.executionID,
				"sequence":     seq,
				"consumed_at":  now,
			})
		if claimed.Error != nil {
			return claimed.Error
		}
		if claimed.RowsAffected == 0 {
			return nil
		}
		payload, ok = ev.Payload, true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("durable: consume %s on %s: %w", name, c.key, err)
	}
	if ok {
		c.eventCursor++
		c.events = append(c.events, models.InstanceEvent{Name: name, Payload: payload, State: models.EventConsumed})
	}
	return payload, ok, nil
}

// CallActivity runs the named activity with input and decodes its result
// into out (which may be nil). A recorded result is returned without
// running the activity again.
func (c *Context) CallActivity(ctx context.Context, name string, input any, out any) error {
	var rec models.ActivityRecord
	if c.recordIdx < len(c.records) {
		rec = c.records[c.recordIdx]
		c.recordIdx++
		if rec.Name != name {
			return &NondeterminismError{Step: c.recordIdx, Want: "activity " + name, Recorded: "activity " + rec.Name}
		}
	} else {
		fn, ok := c.engine.activity(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownActivity, name)
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("durable: activity %s: marshal input: %w", name, err)
		}
		result, err := runActivity(ctx, fn, raw)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec = models.ActivityRecord{
			InstanceKey: c.key,
			ExecutionID: c.executionID,
			Sequence:    c.recordIdx + 1,
			Name:        name,
		}
		if err != nil {
			rec.Error = err.Error()
		} else {
			encoded, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("durable: activity %s: marshal result: %w", name, err)
			}
			rec.Output = string(encoded)
		}
		if err := c.engine.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return fmt.Errorf("durable: activity %s: journal: %w", name, err)
		}
		c.records = append(c.records, rec)
		c.recordIdx++
	}

	if rec.Error != "" {
		return &ActivityError{Activity: name, Message: rec.Error}
	}
	if out != nil && rec.Output != "" {
		if err := json.Unmarshal([]byte(rec.Output), out); err != nil {
			return fmt.Errorf("durable: activity %s: decode result: %w", name, err)
		}
	}
	return nil
}

func runActivity(ctx context.Context, fn Activity, input json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return fn(ctx, input)
}
