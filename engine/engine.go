/* Copyright 2024 Mobium, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package engine drives schedules through their lifecycle.
//
// The engine consumes application events in arrival order, applies
// them to every schedule's trigger counters inside the store's
// transactional update, and walks triggered schedules through delay,
// preparation, readiness, and execution.  Each schedule gets at most
// one processing goroutine at a time; the persisted record's
// state-guarded transitions reject anything stale, so a late result
// from a cancelled attempt is a no-op.
//
// Executions are serialized through a single executor that drains a
// pending set in (priority, id) order, reserving frequency-constraint
// capacity at the last moment before the delegate runs.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobium/automation/audience"
	"github.com/mobium/automation/delay"
	"github.com/mobium/automation/freqlimit"
	"github.com/mobium/automation/retriable"
	"github.com/mobium/automation/schedule"
	"github.com/mobium/automation/store"
	"github.com/mobium/automation/trigger"
)

// NotFound is reported by operations that target an unknown schedule.
var NotFound = errors.New("schedule not found")

// Exists is reported by Schedule when the id is already taken.
var Exists = errors.New("schedule already exists")

// NotRunning is reported when the engine hasn't been started.
var NotRunning = errors.New("engine not running")

// Config assembles an Engine.
type Config struct {
	// Store is required.
	Store store.Store

	// Delegates is required and maps schedule types to their
	// executors.
	Delegates Delegates

	// Audience evaluates audience gates.  Nil means audiences
	// always match.
	Audience *audience.Evaluator

	// Limits enforces frequency constraints.  Nil means no
	// constraints (schedules referencing constraint ids are then
	// treated as over limit, since the constraints are unknown).
	Limits *freqlimit.Checker

	// PrepareTimeout bounds delegate Prepare retries.  Zero means
	// retry until cancelled.
	PrepareTimeout time.Duration

	// Backoff paces Prepare retries.
	Backoff retriable.Backoff

	Verbose bool
}

// proc is one in-flight processing goroutine for a schedule.
type proc struct {
	cancel context.CancelFunc
}

// Engine is the automation engine.
type Engine struct {
	conf Config

	// Tracker holds the app state that delay conditions read.
	// Callers may feed it directly; Notify also routes events
	// through it.
	Tracker *delay.Tracker

	triggers trigger.Evaluator
	timers   *delay.Timers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan *trigger.Event
	wake   chan struct{}

	sync.Mutex // guards the fields below

	processing map[string]*proc
	pending    map[string]int // schedule id -> priority

	paused          bool
	executionPaused bool
	started         bool
}

// New makes an Engine.  Start must be called before it does anything.
func New(conf Config) (*Engine, error) {
	if conf.Store == nil {
		return nil, errors.New("engine needs a store")
	}
	if len(conf.Delegates) == 0 {
		return nil, errors.New("engine needs at least one delegate")
	}
	// Transient store failures retry rather than dropping trigger
	// progress or a transition.
	if _, retrying := conf.Store.(*store.Retrying); !retrying {
		conf.Store = store.NewRetrying(conf.Store, conf.Backoff)
	}
	e := &Engine{
		conf:       conf,
		Tracker:    delay.NewTracker(),
		events:     make(chan *trigger.Event, 64),
		wake:       make(chan struct{}, 1),
		processing: make(map[string]*proc, 8),
		pending:    make(map[string]int, 8),
	}
	e.timers = delay.NewTimers(e.intervalElapsed)
	e.timers.Verbose = conf.Verbose
	return e, nil
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.conf.Verbose {
		log.Printf("Engine."+format, args...)
	}
}

// Start restores persisted schedules and begins consuming events.
// The given context bounds the engine's lifetime; Stop (or cancelling
// the context) shuts it down.
func (e *Engine) Start(ctx context.Context) error {
	e.Lock()
	if e.started {
		e.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.Unlock()

	if err := e.restore(e.ctx); err != nil {
		e.cancel()
		e.Lock()
		e.started = false
		e.Unlock()
		return err
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.eventLoop(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.executorLoop(e.ctx)
	}()
	return nil
}

// Stop shuts the engine down and waits for in-flight work to notice.
func (e *Engine) Stop() {
	e.Lock()
	if !e.started {
		e.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.Unlock()

	cancel()
	e.timers.CancelAll()
	e.wg.Wait()
}

// restore re-queues persisted schedules after a process start.
// Interrupted preparations go back through Prepare; interrupted
// executions ask the delegate how to resolve; paused schedules get
// their remaining interval re-armed.
func (e *Engine) restore(ctx context.Context) error {
	now := time.Now().UTC()
	list, err := e.conf.Store.List(ctx)
	if err != nil {
		return err
	}
	sortByPriority(list)

	for _, d := range list {
		id := d.Schedule.ID

		if d.ShouldDelete(now) {
			if err := e.removeSchedules(ctx, id); err != nil {
				return err
			}
			continue
		}

		switch d.State {
		case schedule.StateExecuting:
			retry := true
			if delegate, err := e.conf.Delegates.find(d.Schedule.Type); err == nil {
				retry = delegate.Interrupt(ctx, &d.Schedule) == InterruptRetry
			}
			updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
				d.ExecutionInterrupted(retry, now)
				e.idleFollowup(d, now)
				return nil
			})
			if err != nil {
				return err
			}
			if updated != nil {
				e.ensureProgress(ctx, updated, now)
			}

		case schedule.StatePreparing, schedule.StateWaitingConditions:
			updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
				d.PrepareInterrupted(now)
				return nil
			})
			if err != nil {
				return err
			}
			if updated != nil {
				e.ensureProgress(ctx, updated, now)
			}

		case schedule.StateTimeDelayed:
			// The remaining wait is recomputed from the
			// triggering date, so just resume.
			e.startProcessing(id)

		case schedule.StatePaused:
			e.ensureProgress(ctx, d, now)

		case schedule.StateIdle:
			// Goal progress recorded before the restart may
			// already cross a goal.
			updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
				e.idleFollowup(d, now)
				return nil
			})
			if err != nil {
				return err
			}
			if updated != nil {
				e.ensureProgress(ctx, updated, now)
			}
		}
	}
	return nil
}

// Notify hands an application event to the engine.  Events are
// processed in arrival order.
func (e *Engine) Notify(event *trigger.Event) error {
	e.Lock()
	started := e.started
	ctx := e.ctx
	e.Unlock()
	if !started {
		return NotRunning
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.events <- event:
		return nil
	}
}

// NotifyConditionsChanged asks the engine to re-check readiness of
// prepared schedules.  Call it when something a delegate's IsReady
// depends on might have changed.
func (e *Engine) NotifyConditionsChanged() {
	e.wakeExecutor()
}

// SetPaused stops trigger processing and execution entirely.
// Unpausing re-checks everything.
func (e *Engine) SetPaused(ctx context.Context, paused bool) {
	e.Lock()
	changed := e.paused != paused
	e.paused = paused
	e.Unlock()
	if changed && !paused {
		e.kick(ctx)
	}
}

// SetExecutionPaused stops executions while leaving trigger
// processing and preparation running.
func (e *Engine) SetExecutionPaused(paused bool) {
	e.Lock()
	changed := e.executionPaused != paused
	e.executionPaused = paused
	e.Unlock()
	if changed && !paused {
		e.wakeExecutor()
	}
}

func (e *Engine) isPaused() bool {
	e.Lock()
	defer e.Unlock()
	return e.paused
}

func (e *Engine) executionHalted() bool {
	e.Lock()
	defer e.Unlock()
	return e.paused || e.executionPaused
}

// kick re-examines every schedule, re-queueing whatever should be in
// flight.  Used after unpausing.
func (e *Engine) kick(ctx context.Context) {
	now := time.Now().UTC()
	list, err := e.conf.Store.List(ctx)
	if err != nil {
		e.logf("kick: %v", err)
		return
	}
	sortByPriority(list)
	for _, d := range list {
		e.ensureProgress(ctx, d, now)
	}
	e.wakeExecutor()
}

// Schedule validates and persists a new schedule, assigning ids where
// absent.  The schedule starts idle; nothing executes until its
// triggers fire.
func (e *Engine) Schedule(ctx context.Context, s *schedule.Schedule) (string, error) {
	s = s.Copy()
	fillIDs(s)
	if err := s.Validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	_, err := e.conf.Store.Upsert(ctx, s.ID, func(existing *schedule.Data) (*schedule.Data, error) {
		if existing != nil {
			return nil, Exists
		}
		return schedule.NewData(s, now), nil
	})
	if err != nil {
		return "", err
	}
	e.logf("Schedule %s", s.ID)
	return s.ID, nil
}

// UpsertSchedules creates or replaces schedules in bulk, as when a
// remote-data payload arrives.  Existing records keep their lifecycle
// state and trigger progress; finished records whose new definition
// allows more executions are resurrected.
func (e *Engine) UpsertSchedules(ctx context.Context, schedules []*schedule.Schedule) error {
	now := time.Now().UTC()
	for _, s := range schedules {
		s = s.Copy()
		fillIDs(s)
		if err := s.Validate(); err != nil {
			return err
		}
		updated, err := e.conf.Store.Upsert(ctx, s.ID, func(existing *schedule.Data) (*schedule.Data, error) {
			if existing == nil {
				return schedule.NewData(s, now), nil
			}
			existing.Schedule = *s
			existing.Reconcile(now)
			e.idleFollowup(existing, now)
			return existing, nil
		})
		if err != nil {
			return err
		}
		e.ensureProgress(ctx, updated, now)
	}
	return nil
}

// Edit applies edits to a schedule.  Editing a finished schedule
// within its grace period can resurrect it.  Returns the updated
// record.
func (e *Engine) Edit(ctx context.Context, id string, edits *schedule.Edits) (*schedule.Data, error) {
	now := time.Now().UTC()
	updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
		edits.Apply(d, now)
		e.idleFollowup(d, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, NotFound
	}
	e.logf("Edit %s -> %s", id, updated.State)
	e.ensureProgress(ctx, updated, now)
	return updated, nil
}

// GetSchedule returns the record for the schedule, or NotFound.
func (e *Engine) GetSchedule(ctx context.Context, id string) (*schedule.Data, error) {
	d, err := e.conf.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, NotFound
	}
	return d, nil
}

// GetSchedules returns every record.
func (e *Engine) GetSchedules(ctx context.Context) ([]*schedule.Data, error) {
	return e.conf.Store.List(ctx)
}

// GetScheduleGroup returns the records in a group.
func (e *Engine) GetScheduleGroup(ctx context.Context, group string) ([]*schedule.Data, error) {
	return e.conf.Store.Group(ctx, group)
}

// Cancel deletes schedules.  In-flight work for them is abandoned.
func (e *Engine) Cancel(ctx context.Context, ids ...string) error {
	return e.removeSchedules(ctx, ids...)
}

// CancelGroup deletes every schedule in the group.
func (e *Engine) CancelGroup(ctx context.Context, group string) error {
	ids, err := e.conf.Store.DeleteGroup(ctx, group)
	if err != nil {
		return err
	}
	e.forget(ids...)
	return nil
}

// CancelAll deletes every schedule.
func (e *Engine) CancelAll(ctx context.Context) error {
	ids, err := e.conf.Store.DeleteAll(ctx)
	if err != nil {
		return err
	}
	e.forget(ids...)
	return nil
}

// StopSchedules ends schedules now: the end date is set to the
// current time and the record finishes, but it remains editable (and
// resurrectable) for its grace period.
func (e *Engine) StopSchedules(ctx context.Context, ids ...string) error {
	now := time.Now().UTC()
	for _, id := range ids {
		_, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
			end := now
			d.Schedule.End = &end
			d.Finish(now)
			return nil
		})
		if err != nil {
			return err
		}
	}
	e.forget(ids...)
	return nil
}

// SetConstraints updates the frequency constraints.
func (e *Engine) SetConstraints(ctx context.Context, constraints []freqlimit.Constraint) error {
	if e.conf.Limits == nil {
		return errors.New("no frequency limiter configured")
	}
	return e.conf.Limits.SetConstraints(ctx, constraints)
}

// removeSchedules deletes records and abandons their in-flight work.
func (e *Engine) removeSchedules(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	e.forget(ids...)
	return e.conf.Store.Delete(ctx, ids...)
}

// forget drops all in-memory traces of schedules: processing
// goroutines, pending executions, timers.
func (e *Engine) forget(ids ...string) {
	e.Lock()
	for _, id := range ids {
		if p, have := e.processing[id]; have {
			delete(e.processing, id)
			p.cancel()
		}
		delete(e.pending, id)
	}
	e.Unlock()
	for _, id := range ids {
		e.timers.Cancel(id)
	}
}

// idleFollowup runs inside a store update after a transition.  If the
// record landed in Idle with stored trigger progress already past a
// goal, it re-triggers immediately.  Returns whether it did.
func (e *Engine) idleFollowup(d *schedule.Data, now time.Time) bool {
	if d.State != schedule.StateIdle {
		return false
	}
	fired := e.triggers.CheckGoals(d, now)
	if len(fired) == 0 {
		return false
	}
	if !d.Triggered(fired[0].Info, newSessionID(), now) {
		return false
	}
	e.triggers.Arm(d)
	return true
}

// ensureProgress kicks the machinery appropriate to a record's state.
func (e *Engine) ensureProgress(ctx context.Context, d *schedule.Data, now time.Time) {
	if d == nil {
		return
	}
	id := d.Schedule.ID
	switch d.State {
	case schedule.StateTimeDelayed, schedule.StatePreparing:
		e.startProcessing(id)
	case schedule.StateWaitingConditions:
		e.addPending(d)
	case schedule.StatePaused:
		remaining := d.Schedule.Interval() - now.Sub(d.StateChangeDate)
		if remaining <= 0 {
			e.intervalElapsed(ctx, id)
		} else {
			e.timers.Add(e.engineCtx(), id, remaining)
		}
	case schedule.StateFinished:
		if d.ShouldDelete(now) {
			if err := e.removeSchedules(ctx, id); err != nil {
				e.logf("delete %s: %v", id, err)
			}
		}
	}
}

func (e *Engine) engineCtx() context.Context {
	e.Lock()
	defer e.Unlock()
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// newSessionID mints the id that ties one idle-to-idle lifecycle run
// together in reporting.
func newSessionID() string {
	return uuid.NewString()
}

func fillIDs(s *schedule.Schedule) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	for i := range s.Triggers {
		if s.Triggers[i].ID == "" {
			s.Triggers[i].ID = uuid.NewString()
		}
	}
	if s.Delay != nil {
		for i := range s.Delay.CancellationTriggers {
			if s.Delay.CancellationTriggers[i].ID == "" {
				s.Delay.CancellationTriggers[i].ID = uuid.NewString()
			}
		}
	}
}
