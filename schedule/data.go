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

package schedule

import (
	"encoding/json"
	"time"
)

// TriggeringInfo records what caused the current lifecycle run.
type TriggeringInfo struct {
	TriggerID string          `json:"trigger_id"`
	Type      TriggerType     `json:"type"`
	Goal      float64         `json:"goal"`
	Event     json.RawMessage `json:"event,omitempty"`
	Date      time.Time       `json:"date"`
}

// Data is the persisted record for a schedule: the schedule itself
// plus all mutable lifecycle state.
//
// Transition methods mutate the receiver and return true when the
// transition applied.  A false return means the record was not in a
// state from which the transition is legal; callers treat that as a
// rejected operation, not as corruption.
type Data struct {
	Schedule Schedule `json:"schedule"`

	State State `json:"state"`

	// StateChangeDate is when State last changed.  Used for
	// interval enforcement and grace-period accounting.
	StateChangeDate time.Time `json:"state_change_date"`

	// ExecutionCount is the number of successful executions.
	// Monotonic; never decremented.
	ExecutionCount int `json:"execution_count"`

	// PenaltyCount counts audience misses with the penalize
	// behavior.  Opaque holdout bookkeeping; nothing here reads it.
	PenaltyCount int `json:"penalty_count,omitempty"`

	// TriggerCounts holds accumulated progress per trigger id,
	// for both execution and cancellation triggers.  Written only
	// by the trigger evaluator under the engine's serialization.
	TriggerCounts map[string]float64 `json:"trigger_counts,omitempty"`

	// TriggerLastSeen deduplicates state-style triggers (version
	// updates, active sessions) per trigger id.
	TriggerLastSeen map[string]string `json:"trigger_last_seen,omitempty"`

	TriggerInfo *TriggeringInfo `json:"trigger_info,omitempty"`

	// TriggerSessionID is minted on each idle departure and handed
	// to the execution delegate.
	TriggerSessionID string `json:"trigger_session_id,omitempty"`
}

// NewData makes an idle record for the given schedule.
func NewData(s *Schedule, now time.Time) *Data {
	return &Data{
		Schedule:        *s.Copy(),
		State:           StateIdle,
		StateChangeDate: now,
	}
}

// IsExpired reports whether the schedule's end date has passed.
func (d *Data) IsExpired(now time.Time) bool {
	end := d.Schedule.End
	return end != nil && !end.After(now)
}

// IsActive reports whether the schedule is inside its validity
// window.
func (d *Data) IsActive(now time.Time) bool {
	if d.IsExpired(now) {
		return false
	}
	start := d.Schedule.Start
	return start == nil || !now.Before(*start)
}

// IsOverLimit reports whether further executions are allowed.  A
// zero limit means never-executing, so a fresh record is already over
// limit.
func (d *Data) IsOverLimit() bool {
	return d.ExecutionCount >= d.Schedule.Limit
}

// ShouldDelete reports whether a finished record has outlived its
// edit grace period.
func (d *Data) ShouldDelete(now time.Time) bool {
	if d.State != StateFinished {
		return false
	}
	grace := d.Schedule.EditGracePeriod()
	if grace <= 0 {
		return true
	}
	return now.Sub(d.StateChangeDate) >= grace
}

func (d *Data) setState(s State, now time.Time) {
	if d.State == s {
		return
	}
	d.State = s
	d.StateChangeDate = now
}

func (d *Data) finish(now time.Time) {
	d.setState(StateFinished, now)
	d.TriggerInfo = nil
}

func (d *Data) idle(now time.Time) {
	d.setState(StateIdle, now)
	d.TriggerInfo = nil
}

func (d *Data) pause(now time.Time) {
	d.setState(StatePaused, now)
	d.TriggerInfo = nil
}

// ResetTriggerCounts zeroes all accumulated trigger progress.
func (d *Data) ResetTriggerCounts() {
	d.TriggerCounts = nil
}

// Triggered moves an idle schedule toward execution: to TimeDelayed
// when a delay is configured, else straight to Preparing.  Mints a
// fresh trigger session id (sessionID comes from the caller so that
// this package stays deterministic).
func (d *Data) Triggered(info *TriggeringInfo, sessionID string, now time.Time) bool {
	if d.State != StateIdle {
		return false
	}
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return false
	}
	d.TriggerInfo = info
	d.TriggerSessionID = sessionID
	if d.Schedule.Delay != nil {
		d.setState(StateTimeDelayed, now)
	} else {
		d.setState(StatePreparing, now)
	}
	return true
}

// DelaySatisfied moves a time-delayed schedule on to preparation.
func (d *Data) DelaySatisfied(now time.Time) bool {
	if d.State != StateTimeDelayed {
		return false
	}
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return false
	}
	d.setState(StatePreparing, now)
	return true
}

// DelayCancelled aborts a pending execution: the schedule returns to
// idle without consuming an execution.  The firing cancellation
// trigger's count is deliberately left alone; cancellation triggers
// are re-armed (reset) when the schedule next leaves idle.
func (d *Data) DelayCancelled(now time.Time) bool {
	if d.State != StateTimeDelayed {
		return false
	}
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return false
	}
	d.idle(now)
	return true
}

// PrepareSkipped handles an audience miss (skip or penalize), a
// frequency denial, or a permanent prepare failure: back to idle with
// trigger progress cleared and no execution consumed.
func (d *Data) PrepareSkipped(penalize bool, now time.Time) bool {
	if d.State != StatePreparing {
		return false
	}
	if penalize {
		d.PenaltyCount++
	}
	d.ResetTriggerCounts()
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return true
	}
	d.idle(now)
	return true
}

// Prepared moves a preparing schedule to WaitingConditions.
func (d *Data) Prepared(now time.Time) bool {
	if d.State != StatePreparing {
		return false
	}
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return false
	}
	d.setState(StateWaitingConditions, now)
	return true
}

// ExecutionInvalidated sends a waiting schedule back through
// preparation.  Used when the delegate reports its prepared artifacts
// are stale.
func (d *Data) ExecutionInvalidated(now time.Time) bool {
	if d.State != StateWaitingConditions {
		return false
	}
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return false
	}
	d.setState(StatePreparing, now)
	return true
}

// ExecutionSkipped abandons a prepared schedule without executing.
func (d *Data) ExecutionSkipped(now time.Time) bool {
	if d.State != StateWaitingConditions {
		return false
	}
	d.ResetTriggerCounts()
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return true
	}
	if d.Schedule.Interval() > 0 {
		d.pause(now)
	} else {
		d.idle(now)
	}
	return true
}

// FrequencyLimited handles a frequency-constraint denial: back to
// idle with trigger progress cleared, no execution consumed, and no
// penalty recorded.
func (d *Data) FrequencyLimited(now time.Time) bool {
	if d.State != StatePreparing && d.State != StateWaitingConditions {
		return false
	}
	d.ResetTriggerCounts()
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return true
	}
	d.idle(now)
	return true
}

// Executing marks the delegate's Execute call as in flight.
func (d *Data) Executing(now time.Time) bool {
	if d.State != StateWaitingConditions {
		return false
	}
	d.setState(StateExecuting, now)
	return true
}

// FinishedExecuting records a completed execution and decides the
// next state: Finished when over limit or expired, Paused when an
// interval is configured, else Idle.
func (d *Data) FinishedExecuting(now time.Time) bool {
	if d.State != StateExecuting {
		return false
	}
	// Progress accumulated while the schedule was busy survives the
	// return to idle; the fired trigger's count was already consumed.
	d.ExecutionCount++
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return true
	}
	if d.Schedule.Interval() > 0 {
		d.pause(now)
	} else {
		d.idle(now)
	}
	return true
}

// ExecutionInterrupted handles an execution that was cut off (for
// example by a process restart).  With retry the schedule goes back
// through preparation; otherwise the execution counts as finished.
func (d *Data) ExecutionInterrupted(retry bool, now time.Time) bool {
	if d.State != StateExecuting {
		return false
	}
	if !retry {
		return d.FinishedExecuting(now)
	}
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return true
	}
	d.setState(StatePreparing, now)
	return true
}

// PrepareInterrupted re-queues a schedule that was mid-preparation
// when the process stopped.
func (d *Data) PrepareInterrupted(now time.Time) bool {
	switch d.State {
	case StatePreparing, StateWaitingConditions, StateTimeDelayed:
	default:
		return false
	}
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return true
	}
	d.setState(StatePreparing, now)
	return true
}

// IntervalElapsed re-arms a paused schedule.
func (d *Data) IntervalElapsed(now time.Time) bool {
	if d.State != StatePaused {
		return false
	}
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return true
	}
	d.idle(now)
	return true
}

// Finish forces the schedule to its terminal state, as when it is
// stopped by setting its end date to now.
func (d *Data) Finish(now time.Time) {
	d.finish(now)
}

// Reconcile re-derives the state after an out-of-band edit.  An
// over-limit or expired schedule finishes; a finished schedule whose
// new limit and end date allow more executions is resurrected to
// idle with trigger progress cleared.
func (d *Data) Reconcile(now time.Time) {
	if d.IsOverLimit() || d.IsExpired(now) {
		d.finish(now)
		return
	}
	if d.State == StateFinished {
		d.ResetTriggerCounts()
		d.idle(now)
	}
}

// Copy makes a deep copy of the record.
func (d *Data) Copy() *Data {
	acc := *d
	acc.Schedule = *d.Schedule.Copy()
	if d.TriggerCounts != nil {
		counts := make(map[string]float64, len(d.TriggerCounts))
		for id, n := range d.TriggerCounts {
			counts[id] = n
		}
		acc.TriggerCounts = counts
	}
	if d.TriggerLastSeen != nil {
		seen := make(map[string]string, len(d.TriggerLastSeen))
		for id, v := range d.TriggerLastSeen {
			seen[id] = v
		}
		acc.TriggerLastSeen = seen
	}
	if d.TriggerInfo != nil {
		info := *d.TriggerInfo
		acc.TriggerInfo = &info
	}
	return &acc
}
