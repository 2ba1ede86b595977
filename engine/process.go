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

package engine

import (
	"context"
	"sort"
	"time"

	"github.com/mobium/automation/freqlimit"
	"github.com/mobium/automation/retriable"
	"github.com/mobium/automation/schedule"
	"github.com/mobium/automation/trigger"
)

func sortByPriority(list []*schedule.Data) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].Schedule, list[j].Schedule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

// eventLoop consumes application events one at a time, which is what
// gives trigger evaluation its arrival-order guarantee.
func (e *Engine) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.events:
			e.dispatch(ctx, event)
		}
	}
}

// dispatch applies one event to every schedule.  Counter increments
// and any resulting transition happen inside the store's transaction,
// so progress is durable even if the engine dies before acting on a
// fired trigger.
func (e *Engine) dispatch(ctx context.Context, event *trigger.Event) {
	e.Tracker.Observe(event)

	if e.isPaused() {
		return
	}

	now := time.Now().UTC()
	list, err := e.conf.Store.List(ctx)
	if err != nil {
		e.logf("dispatch list: %v", err)
		return
	}
	sortByPriority(list)

	for _, d := range list {
		id := d.Schedule.ID

		if d.ShouldDelete(now) {
			if err := e.removeSchedules(ctx, id); err != nil {
				e.logf("dispatch delete %s: %v", id, err)
			}
			continue
		}

		var triggered, cancelled bool
		updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
			triggered, cancelled = false, false
			fired, _, err := e.triggers.Apply(event, d, now)
			if err != nil {
				return err
			}
			for _, f := range fired {
				if f.IsCancellation {
					if d.DelayCancelled(now) {
						cancelled = true
						// Progress stored while the schedule
						// was busy may already cross a goal.
						if e.idleFollowup(d, now) {
							triggered = true
						}
					}
					continue
				}
				if d.Triggered(f.Info, newSessionID(), now) {
					e.triggers.Arm(d)
					triggered = true
				}
			}
			return nil
		})
		if err != nil {
			e.logf("dispatch %s: %v", id, err)
			continue
		}
		if cancelled {
			// Abort the in-flight delay wait; its transitions
			// are already rejected by the state guards, but
			// there's no reason to keep it blocked.
			e.abort(id)
		}
		if triggered && updated != nil {
			e.ensureProgress(ctx, updated, now)
		}
	}
}

// abort cancels a schedule's in-flight processing goroutine, if any.
func (e *Engine) abort(id string) {
	e.Lock()
	if p, have := e.processing[id]; have {
		delete(e.processing, id)
		p.cancel()
	}
	e.Unlock()
}

// startProcessing ensures one (and only one) processing goroutine for
// the schedule.
func (e *Engine) startProcessing(id string) {
	e.Lock()
	if !e.started {
		e.Unlock()
		return
	}
	if _, busy := e.processing[id]; busy {
		e.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	p := &proc{cancel: cancel}
	e.processing[id] = p
	e.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.Lock()
			if e.processing[id] == p {
				delete(e.processing, id)
			}
			e.Unlock()
			cancel()
		}()
		if err := e.process(ctx, id); err != nil && err != context.Canceled {
			e.logf("process %s: %v", id, err)
		}
	}()
}

// process walks a schedule from its current state toward the pending
// execution set.  It re-reads the record on each pass, so transitions
// made elsewhere (cancellation, edits) are picked up; state-guarded
// transition methods reject anything stale.
func (e *Engine) process(ctx context.Context, id string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, err := e.conf.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		if d == nil {
			return nil
		}

		triggerDate := d.StateChangeDate
		if d.TriggerInfo != nil {
			triggerDate = d.TriggerInfo.Date
		}

		switch d.State {
		case schedule.StateTimeDelayed:
			if err := e.Tracker.Wait(ctx, d.Schedule.Delay, triggerDate); err != nil {
				return err
			}
			if _, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
				d.DelaySatisfied(time.Now().UTC())
				return nil
			}); err != nil {
				return err
			}

		case schedule.StatePreparing:
			if err := e.prepare(ctx, d); err != nil {
				return err
			}

		case schedule.StateWaitingConditions:
			// Conditions are level-triggered and may have
			// regressed since the schedule was prepared.
			if err := e.Tracker.Wait(ctx, d.Schedule.Delay, triggerDate); err != nil {
				return err
			}
			e.addPending(d)
			return nil

		default:
			return nil
		}
	}
}

// prepare runs a preparing schedule through its gates: the validity
// window, the audience, a cheap frequency pre-check, and the
// delegate's Prepare.  The binding frequency reservation waits until
// just before execution.
func (e *Engine) prepare(ctx context.Context, d *schedule.Data) error {
	id := d.Schedule.ID
	now := time.Now().UTC()

	if start := d.Schedule.Start; start != nil && now.Before(*start) {
		timer := time.NewTimer(start.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		// The record is stale after an arbitrarily long wait; go
		// back to the caller for a fresh read before gating.
		return nil
	}

	if d.Schedule.Audience != nil && e.conf.Audience != nil {
		verdict, err := e.conf.Audience.Evaluate(ctx, d.Schedule.Audience)
		if err != nil {
			// No device state at all; skip without penalty.
			e.logf("audience %s: %v", id, err)
			return e.skipPrepare(ctx, id, false)
		}
		if !verdict.Matched {
			e.logf("audience miss %s: %s", id, verdict.Miss)
			switch verdict.Miss {
			case schedule.MissCancel:
				return e.removeSchedules(ctx, id)
			case schedule.MissSkip:
				return e.skipPrepare(ctx, id, false)
			default:
				return e.skipPrepare(ctx, id, true)
			}
		}
	}

	if len(d.Schedule.ConstraintIDs) > 0 {
		over := e.conf.Limits == nil ||
			e.conf.Limits.IsOverLimit(d.Schedule.ConstraintIDs, time.Now().UTC())
		if over {
			return e.frequencyMiss(ctx, id)
		}
	}

	delegate, err := e.conf.Delegates.find(d.Schedule.Type)
	if err != nil {
		e.logf("prepare %s: %v", id, err)
		return e.removeSchedules(ctx, id)
	}

	info := &PrepareInfo{
		TriggerSessionID: d.TriggerSessionID,
		TriggerInfo:      d.TriggerInfo,
		Campaigns:        d.Schedule.Campaigns,
		ReportingContext: d.Schedule.ReportingContext,
	}

	prepCtx := ctx
	if e.conf.PrepareTimeout > 0 {
		var cancel context.CancelFunc
		prepCtx, cancel = context.WithTimeout(ctx, e.conf.PrepareTimeout)
		defer cancel()
	}
	var result PrepareResult
	err = retriable.Run(prepCtx, e.conf.Backoff, func(ctx context.Context) retriable.Disposition {
		result = delegate.Prepare(ctx, &d.Schedule, info)
		if result == PrepareRetry {
			return retriable.Again()
		}
		return retriable.Succeed()
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Retries exhausted the prepare timeout; abandon the
		// attempt without penalty.
		e.logf("prepare %s timed out", id)
		return e.skipPrepare(ctx, id, false)
	}

	switch result {
	case PrepareCancel:
		return e.removeSchedules(ctx, id)
	case PrepareInvalidate:
		// The caller re-reads and prepares again with fresh data.
		return nil
	case PrepareSkip:
		return e.skipPrepare(ctx, id, false)
	case PreparePenalize:
		return e.skipPrepare(ctx, id, true)
	}

	_, err = e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
		d.Prepared(time.Now().UTC())
		return nil
	})
	return err
}

func (e *Engine) skipPrepare(ctx context.Context, id string, penalize bool) error {
	now := time.Now().UTC()
	_, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
		if d.PrepareSkipped(penalize, now) {
			e.idleFollowup(d, now)
		}
		return nil
	})
	return err
}

func (e *Engine) frequencyMiss(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
		if d.FrequencyLimited(now) {
			e.idleFollowup(d, now)
		}
		return nil
	})
	return err
}

// addPending queues a prepared schedule for the executor.
func (e *Engine) addPending(d *schedule.Data) {
	e.Lock()
	e.pending[d.Schedule.ID] = d.Schedule.Priority
	e.Unlock()
	e.wakeExecutor()
}

func (e *Engine) removePending(id string) {
	e.Lock()
	delete(e.pending, id)
	e.Unlock()
}

func (e *Engine) wakeExecutor() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// nextPending picks the unvisited pending schedule with the lowest
// (priority, id).
func (e *Engine) nextPending(visited map[string]bool) (string, bool) {
	e.Lock()
	defer e.Unlock()
	var (
		best     string
		bestPrio int
		found    bool
	)
	for id, prio := range e.pending {
		if visited[id] {
			continue
		}
		if !found || prio < bestPrio || (prio == bestPrio && id < best) {
			best, bestPrio, found = id, prio, true
		}
	}
	return best, found
}

// executorLoop drains the pending set whenever something might have
// become ready: a new pending schedule, a conditions change, an
// unpause.
func (e *Engine) executorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
		e.drainPending(ctx)
	}
}

func (e *Engine) drainPending(ctx context.Context) {
	visited := make(map[string]bool)
	for {
		if ctx.Err() != nil || e.executionHalted() {
			return
		}
		id, ok := e.nextPending(visited)
		if !ok {
			return
		}
		visited[id] = true
		e.attempt(ctx, id)
	}
}

// attempt tries to execute one pending schedule.  Executions run
// serially on this goroutine, which with the Executing state guard
// gives the at-most-once property.
func (e *Engine) attempt(ctx context.Context, id string) {
	now := time.Now().UTC()

	d, err := e.conf.Store.Get(ctx, id)
	if err != nil {
		e.logf("attempt %s: %v", id, err)
		return
	}
	if d == nil {
		e.removePending(id)
		return
	}
	if d.State != schedule.StateWaitingConditions {
		e.removePending(id)
		e.ensureProgress(ctx, d, now)
		return
	}

	if d.IsExpired(now) {
		e.removePending(id)
		updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
			d.ExecutionSkipped(now)
			return nil
		})
		if err != nil {
			e.logf("attempt %s: %v", id, err)
			return
		}
		e.ensureProgress(ctx, updated, now)
		return
	}

	triggerDate := d.StateChangeDate
	if d.TriggerInfo != nil {
		triggerDate = d.TriggerInfo.Date
	}
	if !e.Tracker.IsSatisfied(d.Schedule.Delay, triggerDate, now) {
		// Conditions regressed; go back to waiting on them.
		e.removePending(id)
		e.startProcessing(id)
		return
	}

	delegate, err := e.conf.Delegates.find(d.Schedule.Type)
	if err != nil {
		e.logf("attempt %s: %v", id, err)
		e.removePending(id)
		if err := e.removeSchedules(ctx, id); err != nil {
			e.logf("attempt delete %s: %v", id, err)
		}
		return
	}

	switch delegate.IsReady(id) {
	case NotReady:
		// Stays pending; re-checked on the next wake.
		return
	case ReadyInvalidate:
		e.removePending(id)
		updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
			d.ExecutionInvalidated(now)
			return nil
		})
		if err != nil {
			e.logf("attempt %s: %v", id, err)
			return
		}
		e.ensureProgress(ctx, updated, now)
		return
	case ReadySkip:
		e.removePending(id)
		updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
			if d.ExecutionSkipped(now) {
				e.idleFollowup(d, now)
			}
			return nil
		})
		if err != nil {
			e.logf("attempt %s: %v", id, err)
			return
		}
		e.ensureProgress(ctx, updated, now)
		return
	}

	// Ready.  Reserve frequency capacity; the reservation commits
	// before the delegate runs so concurrent schedules sharing a
	// constraint can't both slip past the limit.
	if len(d.Schedule.ConstraintIDs) > 0 {
		reserved := false
		if e.conf.Limits != nil {
			var err error
			reserved, err = e.conf.Limits.Reserve(ctx, d.Schedule.ConstraintIDs, now)
			if err != nil && err != freqlimit.UnknownConstraint {
				e.logf("reserve %s: %v", id, err)
			}
		}
		if !reserved {
			e.removePending(id)
			if err := e.frequencyMiss(ctx, id); err != nil {
				e.logf("attempt %s: %v", id, err)
			}
			return
		}
	}

	e.removePending(id)
	updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
		d.Executing(now)
		return nil
	})
	if err != nil {
		e.logf("attempt %s: %v", id, err)
		return
	}
	if updated == nil || updated.State != schedule.StateExecuting {
		e.ensureProgress(ctx, updated, now)
		return
	}

	info := &PrepareInfo{
		TriggerSessionID: updated.TriggerSessionID,
		TriggerInfo:      updated.TriggerInfo,
		Campaigns:        updated.Schedule.Campaigns,
		ReportingContext: updated.Schedule.ReportingContext,
	}
	e.logf("executing %s", id)
	result := delegate.Execute(ctx, &updated.Schedule, info)
	now = time.Now().UTC()

	switch result {
	case ExecuteCancel:
		if err := e.removeSchedules(ctx, id); err != nil {
			e.logf("attempt delete %s: %v", id, err)
		}
	case ExecuteRetry:
		updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
			d.ExecutionInterrupted(true, now)
			return nil
		})
		if err != nil {
			e.logf("attempt %s: %v", id, err)
			return
		}
		e.ensureProgress(ctx, updated, now)
	default:
		updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
			if d.FinishedExecuting(now) {
				e.idleFollowup(d, now)
			}
			return nil
		})
		if err != nil {
			e.logf("attempt %s: %v", id, err)
			return
		}
		e.ensureProgress(ctx, updated, now)
	}
}

// intervalElapsed re-arms a paused schedule when its interval timer
// fires.
func (e *Engine) intervalElapsed(ctx context.Context, id string) {
	now := time.Now().UTC()
	updated, err := e.conf.Store.Update(ctx, id, func(d *schedule.Data) error {
		if d.IntervalElapsed(now) {
			e.idleFollowup(d, now)
		}
		return nil
	})
	if err != nil {
		e.logf("interval %s: %v", id, err)
		return
	}
	e.ensureProgress(ctx, updated, now)
}
