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

package trigger

import (
	"encoding/json"
	"time"

	"github.com/mobium/automation/predicate"
	"github.com/mobium/automation/schedule"
)

// Fired reports a trigger that crossed its goal.
type Fired struct {
	ScheduleID     string
	Trigger        schedule.Trigger
	IsCancellation bool
	Info           *schedule.TriggeringInfo
}

// Evaluator applies events to a schedule record's trigger counters.
//
// The evaluator is stateless: all counter state lives on the record,
// so callers can run it inside the store's transactional update and
// the increments are durable whether or not a resulting trigger-met
// signal is consumed.  The rules:
//
//   - Execution triggers accumulate in every state except Paused and
//     Finished, but only fire while the schedule is Idle.  Progress
//     gathered while the schedule is busy is evaluated by CheckGoals
//     when it next returns to Idle.
//
//   - Cancellation triggers accumulate and fire only while the
//     schedule is TimeDelayed.  Arm resets them when the delay
//     starts; a firing cancellation trigger keeps its count.
type Evaluator struct{}

// Apply matches the event against the record's triggers, increments
// counters, and returns any triggers that crossed their goals.  The
// boolean reports whether the record changed.
func (e *Evaluator) Apply(event *Event, d *schedule.Data, now time.Time) ([]Fired, bool, error) {
	payload, err := predicate.Canonicalize(event.Data)
	if err != nil {
		return nil, false, err
	}

	var (
		fired   []Fired
		changed bool
	)

	accumulate := d.State != schedule.StatePaused && d.State != schedule.StateFinished
	if accumulate {
		for _, t := range d.Schedule.Triggers {
			hit, err := e.applyOne(event, payload, t, d, now)
			if err != nil {
				return fired, changed, err
			}
			if hit == nil {
				continue
			}
			changed = true
			if d.State != schedule.StateIdle {
				// Progress is recorded but goal-crossing
				// waits for the schedule to return to idle.
				continue
			}
			if d.TriggerCounts[t.ID] >= t.Goal {
				e.resetCount(d, t.ID)
				fired = append(fired, Fired{
					ScheduleID: d.Schedule.ID,
					Trigger:    t,
					Info:       hit,
				})
			}
		}
	}

	if d.State == schedule.StateTimeDelayed && d.Schedule.Delay != nil {
		for _, t := range d.Schedule.Delay.CancellationTriggers {
			hit, err := e.applyOne(event, payload, t, d, now)
			if err != nil {
				return fired, changed, err
			}
			if hit == nil {
				continue
			}
			changed = true
			if d.TriggerCounts[t.ID] >= t.Goal {
				// No reset: see Arm.
				fired = append(fired, Fired{
					ScheduleID:     d.Schedule.ID,
					Trigger:        t,
					IsCancellation: true,
					Info:           hit,
				})
			}
		}
	}

	return fired, changed, nil
}

// applyOne increments a single trigger's counter if the event
// matches.  Returns the triggering info for the increment, or nil if
// the event didn't count.
func (e *Evaluator) applyOne(event *Event, payload interface{}, t schedule.Trigger, d *schedule.Data, now time.Time) (*schedule.TriggeringInfo, error) {
	if !matches(t.Type, event.Type) {
		return nil, nil
	}

	if stateful(t.Type) {
		if d.TriggerLastSeen[t.ID] == event.Name {
			return nil, nil
		}
	}

	if t.Predicate != nil {
		matched, err := predicate.Match(t.Predicate, payload)
		if err != nil {
			return nil, err
		}
		if !matched {
			return nil, nil
		}
	}

	if stateful(t.Type) {
		if d.TriggerLastSeen == nil {
			d.TriggerLastSeen = make(map[string]string)
		}
		d.TriggerLastSeen[t.ID] = event.Name
	}

	if d.TriggerCounts == nil {
		d.TriggerCounts = make(map[string]float64)
	}
	d.TriggerCounts[t.ID] += weight(t.Type, event)

	var raw json.RawMessage
	if payload != nil {
		if js, err := json.Marshal(payload); err == nil {
			raw = js
		}
	}

	return &schedule.TriggeringInfo{
		TriggerID: t.ID,
		Type:      t.Type,
		Goal:      t.Goal,
		Event:     raw,
		Date:      now,
	}, nil
}

// CheckGoals emits trigger-met signals for execution triggers whose
// progress crossed the goal while the schedule was busy.  Call it
// after a record returns to Idle.
func (e *Evaluator) CheckGoals(d *schedule.Data, now time.Time) []Fired {
	if d.State != schedule.StateIdle {
		return nil
	}
	var fired []Fired
	for _, t := range d.Schedule.Triggers {
		if d.TriggerCounts[t.ID] >= t.Goal {
			e.resetCount(d, t.ID)
			fired = append(fired, Fired{
				ScheduleID: d.Schedule.ID,
				Trigger:    t,
				Info: &schedule.TriggeringInfo{
					TriggerID: t.ID,
					Type:      t.Type,
					Goal:      t.Goal,
					Date:      now,
				},
			})
		}
	}
	return fired
}

// Arm resets the cancellation triggers' progress.  Call it when the
// schedule enters TimeDelayed: cancellation triggers start counting
// from zero each time a delay begins, and keep their counts when
// they fire.
func (e *Evaluator) Arm(d *schedule.Data) {
	if d.Schedule.Delay == nil {
		return
	}
	for _, t := range d.Schedule.Delay.CancellationTriggers {
		e.resetCount(d, t.ID)
	}
}

func (e *Evaluator) resetCount(d *schedule.Data, triggerID string) {
	if d.TriggerCounts != nil {
		delete(d.TriggerCounts, triggerID)
	}
}
