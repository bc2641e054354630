// Package durable is a small persistent orchestration engine. Instances are
// addressed by key, wait for named external events, call journaled
// activities and can continue as new with fresh input. All state lives in
// the instances, instance_events and activity_records tables, so a
// restarted process resumes every active instance with Recover.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/ventriloquist/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Orchestrator is the body of a workflow kind. It returns Halt to complete
// the instance or ContinueAsNew to restart it with new input.
type Orchestrator func(ctx context.Context, oc *Context) (Outcome, error)

// Activity performs one side effect on behalf of an orchestrator. Its
// result is JSON-encoded into the journal.
type Activity func(ctx context.Context, input json.RawMessage) (any, error)

// Outcome is what an orchestrator returns on success.
type Outcome struct {
	continueAsNew bool
	value         any
}

// Halt completes the instance with output.
func Halt(output any) Outcome {
	return Outcome{value: output}
}

// ContinueAsNew restarts the instance with next as its input, discarding
// the current execution's journal.
func ContinueAsNew(next any) Outcome {
	return Outcome{continueAsNew: true, value: next}
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	DB *gorm.DB
	// PollInterval makes waiting instances re-check the store for events
	// raised by other processes. Zero relies on in-process wakeups only.
	PollInterval time.Duration
	Out          io.Writer // progress output; defaults to os.Stdout
}

// Engine runs orchestrator instances against a GORM store.
type Engine struct {
	db            *gorm.DB
	pollInterval  time.Duration
	out           io.Writer
	orchestrators map[string]Orchestrator
	activities    map[string]Activity

	mu      sync.Mutex
	running map[string]*execution
	closed  bool
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// execution is the in-process handle of one running instance goroutine.
type execution struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

var _ Client = (*Engine)(nil)

// NewEngine creates an engine. Register orchestrators and activities before
// calling Start or Recover.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("durable: db is required")
	}
	if opts.PollInterval < 0 {
		return nil, fmt.Errorf("durable: poll interval must not be negative")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		db:            opts.DB,
		pollInterval:  opts.PollInterval,
		out:           out,
		orchestrators: make(map[string]Orchestrator),
		activities:    make(map[string]Activity),
		running:       make(map[string]*execution),
		base:          base,
		stop:          stop,
	}, nil
}

// Register binds an orchestrator to a workflow kind.
func (e *Engine) Register(kind string, fn Orchestrator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orchestrators[kind] = fn
}

// RegisterActivity binds an activity to a name.
func (e *Engine) RegisterActivity(name string, fn Activity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[name] = fn
}

func (e *Engine) orchestrator(kind string) (Orchestrator, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.orchestrators[kind]
	return fn, ok
}

func (e *Engine) activity(name string) (Activity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.activities[name]
	return fn, ok
}

// Start creates or restarts the instance for key. A terminal instance is
// always replaced; an active one is replaced or rejected per the policy.
// Replacing drops the old execution's pending events and journal.
func (e *Engine) Start(ctx context.Context, kind, key string, input any, opts ...StartOption) error {
	policy := StartPolicyOf(opts...)
	if _, ok := e.orchestrator(kind); !ok {
		return fmt.Errorf("durable: start %s: %w: %s", key, ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("durable: start %s: marshal input: %w", key, err)
	}
	execID := uuid.NewString()

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Instance
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("instance_key = ?", key).First(&existing)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return tx.Create(&models.Instance{
				Key:         key,
				Kind:        kind,
				Status:      string(StatusPending),
				ExecutionID: execID,
				Input:       string(raw),
			}).Error
		}
		if result.Error != nil {
			return result.Error
		}
		if Status(existing.Status).IsActive() && policy == StartReject {
			return ErrInstanceExists
		}
		if err := dropPending(tx, key); err != nil {
			return err
		}
		if err := tx.Where("instance_key = ?", key).Delete(&models.ActivityRecord{}).Error; err != nil {
			return fmt.Errorf("clear journal: %w", err)
		}
		return tx.Model(&models.Instance{}).Where("instance_key = ?", key).
			Updates(map[string]interface{}{
				"kind":         kind,
				"status":       string(StatusPending),
				"execution_id": execID,
				"input":        string(raw),
				"output":       "",
				"reason":       "",
				"generation":   0,
				"created_at":   time.Now(),
				"completed_at": nil,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("durable: start %s: %w", key, err)
	}

	e.launch(key)
	return nil
}

// Status returns the current view of the instance for key.
func (e *Engine) Status(ctx context.Context, key string) (*InstanceStatus, error) {
	var inst models.Instance
	result := e.db.WithContext(ctx).Where("instance_key = ?", key).First(&inst)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("durable: status %s: %w", key, result.Error)
	}
	st := toStatus(&inst)
	if st.Status.IsActive() {
		var n int64
		if err := e.db.WithContext(ctx).Model(&models.InstanceEvent{}).
			Where("instance_key = ? AND state = ?", key, models.EventPending).
			Count(&n).Error; err != nil {
			return nil, fmt.Errorf("durable: status %s: count events: %w", key, err)
		}
		st.PendingEvents = int(n)
	}
	return st, nil
}

// List returns instances ordered by most recently updated, optionally
// filtered by status.
func (e *Engine) List(ctx context.Context, statuses ...Status) ([]InstanceStatus, error) {
	q := e.db.WithContext(ctx).Order("updated_at DESC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var rows []models.Instance
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("durable: list: %w", err)
	}
	out := make([]InstanceStatus, 0, len(rows))
	for i := range rows {
		out = append(out, *toStatus(&rows[i]))
	}
	return out, nil
}

// RaiseEvent queues a named event for the instance. Events for a terminal
// instance are dropped without error; an unknown key yields ErrNotFound.
func (e *Engine) RaiseEvent(ctx context.Context, key, name, payload string, opts ...EventOption) error {
	dedupID := EventIDOf(opts...)

	var queued bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst models.Instance
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("instance_key = ?", key).First(&inst)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if result.Error != nil {
			return result.Error
		}
		if !Status(inst.Status).IsActive() {
			log.Printf("durable: dropped event %s for %s instance %s", name, inst.Status, key)
			return nil
		}

		ev := models.InstanceEvent{
			InstanceKey: key,
			ExecutionID: inst.ExecutionID,
			Name:        name,
			Payload:     payload,
			State:       models.EventPending,
		}
		if dedupID != "" {
			var n int64
			if err := tx.Model(&models.InstanceEvent{}).
				Where("instance_key = ? AND dedup_id = ?", key, dedupID).
				Count(&n).Error; err != nil {
				return fmt.Errorf("check duplicate: %w", err)
			}
			if n > 0 {
				log.Printf("durable: ignored duplicate event %s (%s) for %s", name, dedupID, key)
				return nil
			}
			id := dedupID
			ev.DedupID = &id
		}
		if err := tx.Create(&ev).Error; err != nil {
			return err
		}
		queued = true
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		if dedupID != "" && e.hasEvent(ctx, key, dedupID) {
			return nil
		}
		return fmt.Errorf("durable: raise %s on %s: %w", name, key, err)
	}
	if queued {
		e.wake(key)
	}
	return nil
}

// hasEvent reports whether an event with dedupID was recorded for key.
// It resolves unique-index races between concurrent redeliveries.
func (e *Engine) hasEvent(ctx context.Context, key, dedupID string) bool {
	var n int64
	e.db.WithContext(ctx).Model(&models.InstanceEvent{}).
		Where("instance_key = ? AND dedup_id = ?", key, dedupID).Count(&n)
	return n > 0
}

// Terminate stops an active instance with reason. Terminal or missing
// instances are left untouched.
func (e *Engine) Terminate(ctx context.Context, key, reason string) error {
	var terminated bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Instance{}).
			Where("instance_key = ? AND status IN ?", key, activeStatuses).
			Updates(map[string]interface{}{
				"status":       string(StatusTerminated),
				"reason":       truncate(reason, maxReasonLen),
				"completed_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		terminated = true
		return dropPending(tx, key)
	})
	if err != nil {
		return fmt.Errorf("durable: terminate %s: %w", key, err)
	}
	if terminated {
		e.cancel(key)
	}
	return nil
}

// Recover relaunches every active instance in the store. It returns the
// number of instances resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	var rows []models.Instance
	if err := e.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("durable: recover: %w", err)
	}
	n := 0
	for _, inst := range rows {
		if _, ok := e.orchestrator(inst.Kind); !ok {
			log.Printf("durable: recover: skipping %s: no orchestrator for kind %q", inst.Key, inst.Kind)
			continue
		}
		e.launch(inst.Key)
		n++
	}
	if n > 0 {
		fmt.Fprintf(e.out, "durable: resumed %d instance(s)\n", n)
	}
	return n, nil
}

// Close stops every running instance goroutine and waits for them to exit.
// Instances stay active in the store and resume on the next Recover.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.stop()
	e.mu.Unlock()
	e.wg.Wait()
}

// launch starts the goroutine driving key, cancelling any previous one.
func (e *Engine) launch(key string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if old, ok := e.running[key]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(e.base)
	ex := &execution{cancel: cancel, wake: make(chan struct{}, 1)}
	e.running[key] = ex
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx, key, ex)
}

// cancel stops the goroutine driving key, if any.
func (e *Engine) cancel(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.running[key]; ok {
		ex.cancel()
		delete(e.running, key)
	}
}

// wake nudges a waiting instance to re-check for events.
func (e *Engine) wake(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.running[key]; ok {
		select {
		case ex.wake <- struct{}{}:
		default:
		}
	}
}

// forget removes ex from the running set unless it was already replaced.
func (e *Engine) forget(key string, ex *execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.running[key]; ok && cur == ex {
		delete(e.running, key)
	}
	ex.cancel()
}

// run drives one instance until it halts, fails or is cancelled. Every
// write is guarded by the execution id it started with, so a superseded or
// terminated goroutine cannot touch the new state.
func (e *Engine) run(ctx context.Context, key string, ex *execution) {
	defer e.wg.Done()
	defer e.forget(key, ex)

	for {
		var inst models.Instance
		if err := e.db.WithContext(ctx).Where("instance_key = ?", key).First(&inst).Error; err != nil {
			if ctx.Err() == nil {
				log.Printf("durable: %s: load: %v", key, err)
			}
			return
		}
		if !Status(inst.Status).IsActive() {
			return
		}
		orch, ok := e.orchestrator(inst.Kind)
		if !ok {
			e.finish(key, inst.ExecutionID, StatusFailed, "", fmt.Sprintf("no orchestrator for kind %q", inst.Kind))
			return
		}

		result := e.db.WithContext(ctx).Model(&models.Instance{}).
			Where("instance_key = ? AND execution_id = ? AND status IN ?", key, inst.ExecutionID, activeStatuses).
			Update("status", string(StatusRunning))
		if result.Error != nil || result.RowsAffected == 0 {
			if result.Error != nil && ctx.Err() == nil {
				log.Printf("durable: %s: mark running: %v", key, result.Error)
			}
			return
		}

		oc, err := newContext(ctx, e, &inst, ex.wake)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("durable: %s: load history: %v", key, err)
			}
			return
		}
		outcome, err := invoke(ctx, orch, oc)
		if ctx.Err() != nil || errors.Is(err, errSuperseded) {
			return
		}
		if err != nil {
			log.Printf("durable: %s (%s) failed: %v", key, inst.Kind, err)
			e.finish(key, inst.ExecutionID, StatusFailed, "", err.Error())
			return
		}

		raw, err := json.Marshal(outcome.value)
		if err != nil {
			e.finish(key, inst.ExecutionID, StatusFailed, "", fmt.Sprintf("marshal result: %v", err))
			return
		}
		if outcome.continueAsNew {
			if err := e.continueAsNew(ctx, key, inst.ExecutionID, string(raw)); err != nil {
				if !errors.Is(err, errSuperseded) && ctx.Err() == nil {
					log.Printf("durable: %s: continue as new: %v", key, err)
				}
				return
			}
			continue
		}
		e.finish(key, inst.ExecutionID, StatusCompleted, string(raw), "")
		return
	}
}

// invoke calls the orchestrator, converting a panic into a failure.
func invoke(ctx context.Context, orch Orchestrator, oc *Context) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator panic: %v", r)
		}
	}()
	return orch(ctx, oc)
}

// continueAsNew rotates the execution id and installs the next input.
// Pending events stay queued for the new execution.
func (e *Engine) continueAsNew(ctx context.Context, key, execID, input string) error {
	next := uuid.NewString()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Instance{}).
			Where("instance_key = ? AND execution_id = ? AND status IN ?", key, execID, activeStatuses).
			Updates(map[string]interface{}{
				"status":       string(StatusContinuedAsNew),
				"execution_id": next,
				"input":        input,
				"generation":   gorm.Expr("generation + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errSuperseded
		}
		if err := tx.Model(&models.InstanceEvent{}).
			Where("instance_key = ? AND state = ?", key, models.EventPending).
			Update("execution_id", next).Error; err != nil {
			return fmt.Errorf("carry events: %w", err)
		}
		if err := tx.Where("instance_key = ? AND execution_id = ?", key, execID).
			Delete(&models.ActivityRecord{}).Error; err != nil {
			return fmt.Errorf("clear journal: %w", err)
		}
		return nil
	})
}

// finish records a terminal status for execID and drops leftover events.
func (e *Engine) finish(key, execID string, status Status, output, reason string) {
	err := e.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Instance{}).
			Where("instance_key = ? AND execution_id = ? AND status IN ?", key, execID, activeStatuses).
			Updates(map[string]interface{}{
				"status":       string(status),
				"output":       output,
				"reason":       truncate(reason, maxReasonLen),
				"completed_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return dropPending(tx, key)
	})
	if err != nil {
		log.Printf("durable: %s: record %s: %v", key, status, err)
	}
}

// dropPending marks every pending event of key as dropped.
func dropPending(tx *gorm.DB, key string) error {
	if err := tx.Model(&models.InstanceEvent{}).
		Where("instance_key = ? AND state = ?", key, models.EventPending).
		Update("state", models.EventDropped).Error; err != nil {
		return fmt.Errorf("drop pending events: %w", err)
	}
	return nil
}

func toStatus(inst *models.Instance) *InstanceStatus {
	return &InstanceStatus{
		Key:         inst.Key,
		Kind:        inst.Kind,
		Status:      Status(inst.Status),
		ExecutionID: inst.ExecutionID,
		Generation:  inst.Generation,
		Input:       inst.Input,
		Output:      inst.Output,
		Reason:      inst.Reason,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
		CompletedAt: inst.CompletedAt,
	}
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// maxReasonLen matches the size of models.Instance.Reason.
const maxReasonLen = 255

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
