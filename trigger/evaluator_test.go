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
	"testing"
	"time"

	"github.com/mobium/automation/schedule"
)

func record(triggers ...schedule.Trigger) *schedule.Data {
	s := &schedule.Schedule{
		ID:       "s",
		Type:     schedule.TypeActions,
		Limit:    1,
		Triggers: triggers,
	}
	return schedule.NewData(s, time.Now().UTC())
}

func TestFireOnGoal(t *testing.T) {
	var e Evaluator
	now := time.Now().UTC()
	d := record(schedule.Trigger{ID: "t", Type: schedule.TriggerAppForeground, Goal: 2})

	fired, changed, err := e.Apply(Foreground(), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || len(fired) != 0 {
		t.Fatalf("got changed %v, fired %d", changed, len(fired))
	}
	if d.TriggerCounts["t"] != 1 {
		t.Fatalf("got count %v", d.TriggerCounts["t"])
	}

	fired, _, err = e.Apply(Foreground(), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 || fired[0].Trigger.ID != "t" || fired[0].IsCancellation {
		t.Fatalf("got %#v", fired)
	}
	if fired[0].Info == nil || fired[0].Info.TriggerID != "t" {
		t.Fatalf("got info %#v", fired[0].Info)
	}
	// Firing resets the count.
	if _, have := d.TriggerCounts["t"]; have {
		t.Fatal("count survived firing")
	}
}

func TestNonMatchingEvent(t *testing.T) {
	var e Evaluator
	d := record(schedule.Trigger{ID: "t", Type: schedule.TriggerAppForeground, Goal: 1})

	fired, changed, err := e.Apply(Background(), d, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if changed || len(fired) != 0 {
		t.Fatalf("got changed %v, fired %d", changed, len(fired))
	}
}

func TestAccumulateWhileBusy(t *testing.T) {
	var e Evaluator
	now := time.Now().UTC()
	d := record(schedule.Trigger{ID: "t", Type: schedule.TriggerAppForeground, Goal: 1})
	d.State = schedule.StateExecuting

	fired, changed, err := e.Apply(Foreground(), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 0 {
		t.Fatal("fired while busy")
	}
	if !changed || d.TriggerCounts["t"] != 1 {
		t.Fatalf("got changed %v, count %v", changed, d.TriggerCounts["t"])
	}

	// Goal-crossing is evaluated on the return to idle.
	d.State = schedule.StateIdle
	met := e.CheckGoals(d, now)
	if len(met) != 1 || met[0].Trigger.ID != "t" {
		t.Fatalf("got %#v", met)
	}
}

func TestNoAccumulationWhilePaused(t *testing.T) {
	var e Evaluator
	d := record(schedule.Trigger{ID: "t", Type: schedule.TriggerAppForeground, Goal: 1})
	d.State = schedule.StatePaused

	_, changed, err := e.Apply(Foreground(), d, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("accumulated while paused")
	}
}

func TestCustomEventValueWeight(t *testing.T) {
	var e Evaluator
	now := time.Now().UTC()
	d := record(schedule.Trigger{ID: "t", Type: schedule.TriggerCustomEventValue, Goal: 10})

	fired, _, err := e.Apply(Custom("purchase", 4.5, nil), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 0 || d.TriggerCounts["t"] != 4.5 {
		t.Fatalf("got count %v", d.TriggerCounts["t"])
	}

	fired, _, err = e.Apply(Custom("purchase", 6, nil), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 {
		t.Fatal("goal crossed but nothing fired")
	}
}

func TestPredicateFilters(t *testing.T) {
	var e Evaluator
	now := time.Now().UTC()
	d := record(schedule.Trigger{
		ID:        "t",
		Type:      schedule.TriggerCustomEventCount,
		Goal:      1,
		Predicate: map[string]interface{}{"name": "purchase"},
	})

	fired, changed, err := e.Apply(Custom("view", 0, nil), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if changed || len(fired) != 0 {
		t.Fatal("non-matching payload counted")
	}

	fired, _, err = e.Apply(Custom("purchase", 0, nil), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 {
		t.Fatal("matching payload didn't count")
	}
}

func TestStatefulDedup(t *testing.T) {
	var e Evaluator
	now := time.Now().UTC()
	d := record(schedule.Trigger{ID: "t", Type: schedule.TriggerVersionUpdate, Goal: 2})

	if _, _, err := e.Apply(VersionUpdate("2.0"), d, now); err != nil {
		t.Fatal(err)
	}
	if d.TriggerCounts["t"] != 1 {
		t.Fatalf("got count %v", d.TriggerCounts["t"])
	}

	// The same version again doesn't count.
	if _, _, err := e.Apply(VersionUpdate("2.0"), d, now); err != nil {
		t.Fatal(err)
	}
	if d.TriggerCounts["t"] != 1 {
		t.Fatalf("got count %v", d.TriggerCounts["t"])
	}

	fired, _, err := e.Apply(VersionUpdate("2.1"), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 {
		t.Fatal("new version didn't fire")
	}
}

func TestCancellationTriggers(t *testing.T) {
	var e Evaluator
	now := time.Now().UTC()
	d := record(schedule.Trigger{ID: "t", Type: schedule.TriggerAppForeground, Goal: 1})
	d.Schedule.Delay = &schedule.Delay{
		Seconds: 10,
		CancellationTriggers: []schedule.Trigger{
			{ID: "c", Type: schedule.TriggerAppBackground, Goal: 1},
		},
	}

	// Cancellation triggers don't count outside TimeDelayed.
	_, changed, err := e.Apply(Background(), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("cancellation counted while idle")
	}

	d.State = schedule.StateTimeDelayed
	e.Arm(d)

	fired, _, err := e.Apply(Background(), d, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 || !fired[0].IsCancellation {
		t.Fatalf("got %#v", fired)
	}
	// A firing cancellation trigger keeps its count until re-armed.
	if d.TriggerCounts["c"] != 1 {
		t.Fatalf("got count %v", d.TriggerCounts["c"])
	}

	e.Arm(d)
	if _, have := d.TriggerCounts["c"]; have {
		t.Fatal("Arm didn't reset the cancellation count")
	}
}
