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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mobium/automation/audience"
	"github.com/mobium/automation/freqlimit"
	"github.com/mobium/automation/retriable"
	"github.com/mobium/automation/schedule"
	"github.com/mobium/automation/store"
	"github.com/mobium/automation/trigger"
)

// testDelegate is a scriptable Delegate.  The zero value prepares,
// reports ready, and finishes every execution.
type testDelegate struct {
	sync.Mutex

	prepareResult PrepareResult
	readyResult   ReadyResult
	executeResult ExecuteResult
	interrupt     InterruptBehavior

	// block, if non-nil, stalls Execute until the channel closes.
	block chan struct{}

	executed []string
}

func (d *testDelegate) Prepare(ctx context.Context, s *schedule.Schedule, info *PrepareInfo) PrepareResult {
	d.Lock()
	defer d.Unlock()
	return d.prepareResult
}

func (d *testDelegate) IsReady(scheduleID string) ReadyResult {
	d.Lock()
	defer d.Unlock()
	return d.readyResult
}

func (d *testDelegate) Execute(ctx context.Context, s *schedule.Schedule, info *PrepareInfo) ExecuteResult {
	d.Lock()
	block := d.block
	d.Unlock()
	if block != nil {
		<-block
	}
	d.Lock()
	defer d.Unlock()
	d.executed = append(d.executed, s.ID)
	return d.executeResult
}

func (d *testDelegate) Interrupt(ctx context.Context, s *schedule.Schedule) InterruptBehavior {
	d.Lock()
	defer d.Unlock()
	return d.interrupt
}

func (d *testDelegate) executions() []string {
	d.Lock()
	defer d.Unlock()
	return append([]string(nil), d.executed...)
}

func (d *testDelegate) setReady(r ReadyResult) {
	d.Lock()
	d.readyResult = r
	d.Unlock()
}

func newEngine(t *testing.T, conf Config) (*Engine, *testDelegate) {
	t.Helper()
	if conf.Store == nil {
		conf.Store = store.NewMem()
	}
	delegate := &testDelegate{}
	if conf.Delegates == nil {
		conf.Delegates = Delegates{
			schedule.TypeActions:      delegate,
			schedule.TypeInAppMessage: delegate,
		}
	}
	e, err := New(conf)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return e, delegate
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

func fgSchedule(id string, goal float64, limit int) *schedule.Schedule {
	return &schedule.Schedule{
		ID:    id,
		Type:  schedule.TypeActions,
		Limit: limit,
		Triggers: []schedule.Trigger{
			{ID: id + "-t", Type: schedule.TriggerAppForeground, Goal: goal},
		},
	}
}

func mustSchedule(t *testing.T, e *Engine, s *schedule.Schedule) {
	t.Helper()
	if _, err := e.Schedule(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func notify(t *testing.T, e *Engine, event *trigger.Event) {
	t.Helper()
	if err := e.Notify(event); err != nil {
		t.Fatal(err)
	}
}

func stateOf(t *testing.T, e *Engine, id string) schedule.State {
	t.Helper()
	d, err := e.GetSchedule(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return d.State
}

func TestTriggerAndExecute(t *testing.T) {
	e, delegate := newEngine(t, Config{})
	mustSchedule(t, e, fgSchedule("s", 2, 2))

	notify(t, e, trigger.Foreground())
	time.Sleep(20 * time.Millisecond)
	if n := len(delegate.executions()); n != 0 {
		t.Fatalf("executed %d times before the goal", n)
	}

	notify(t, e, trigger.Foreground())
	waitFor(t, "execution", func() bool {
		return len(delegate.executions()) == 1
	})

	waitFor(t, "return to idle", func() bool {
		return stateOf(t, e, "s") == schedule.StateIdle
	})
	d, err := e.GetSchedule(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if d.ExecutionCount != 1 {
		t.Fatalf("got count %d", d.ExecutionCount)
	}
}

func TestLimitFinishes(t *testing.T) {
	e, delegate := newEngine(t, Config{})
	s := fgSchedule("s", 1, 1)
	s.EditGracePeriodSeconds = 600
	mustSchedule(t, e, s)

	notify(t, e, trigger.Foreground())
	waitFor(t, "execution", func() bool {
		return len(delegate.executions()) == 1
	})
	waitFor(t, "finished", func() bool {
		return stateOf(t, e, "s") == schedule.StateFinished
	})

	// Further triggers do nothing.
	notify(t, e, trigger.Foreground())
	time.Sleep(20 * time.Millisecond)
	if n := len(delegate.executions()); n != 1 {
		t.Fatalf("executed %d times", n)
	}
}

func TestZeroLimitNeverExecutes(t *testing.T) {
	e, delegate := newEngine(t, Config{})
	s := fgSchedule("s", 1, 0)
	s.EditGracePeriodSeconds = 600
	mustSchedule(t, e, s)

	notify(t, e, trigger.Foreground())
	waitFor(t, "finished", func() bool {
		return stateOf(t, e, "s") == schedule.StateFinished
	})
	if n := len(delegate.executions()); n != 0 {
		t.Fatalf("executed %d times", n)
	}
}

func TestPriorityOrder(t *testing.T) {
	e, delegate := newEngine(t, Config{})

	low := fgSchedule("aaa-low", 1, 1)
	low.Priority = 5
	low.EditGracePeriodSeconds = 600
	high := fgSchedule("zzz-high", 1, 1)
	high.Priority = -5
	high.EditGracePeriodSeconds = 600
	mustSchedule(t, e, low)
	mustSchedule(t, e, high)

	// Hold execution so both land in the pending set, then release.
	e.SetExecutionPaused(true)
	notify(t, e, trigger.Foreground())
	waitFor(t, "both prepared", func() bool {
		return stateOf(t, e, "aaa-low") == schedule.StateWaitingConditions &&
			stateOf(t, e, "zzz-high") == schedule.StateWaitingConditions
	})

	e.SetExecutionPaused(false)
	waitFor(t, "both executed", func() bool {
		return len(delegate.executions()) == 2
	})

	got := delegate.executions()
	if got[0] != "zzz-high" || got[1] != "aaa-low" {
		t.Fatalf("got order %v", got)
	}
}

func TestDelayCancellation(t *testing.T) {
	e, delegate := newEngine(t, Config{})
	s := fgSchedule("s", 1, 1)
	s.Delay = &schedule.Delay{
		Seconds: 60,
		CancellationTriggers: []schedule.Trigger{
			{ID: "c", Type: schedule.TriggerAppBackground, Goal: 1},
		},
	}
	mustSchedule(t, e, s)

	notify(t, e, trigger.Foreground())
	waitFor(t, "time delayed", func() bool {
		return stateOf(t, e, "s") == schedule.StateTimeDelayed
	})

	notify(t, e, trigger.Background())
	waitFor(t, "back to idle", func() bool {
		return stateOf(t, e, "s") == schedule.StateIdle
	})
	if n := len(delegate.executions()); n != 0 {
		t.Fatalf("executed %d times despite cancellation", n)
	}

	d, err := e.GetSchedule(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if d.ExecutionCount != 0 {
		t.Fatal("cancellation consumed an execution")
	}
}

func TestDelayConditions(t *testing.T) {
	e, delegate := newEngine(t, Config{})
	s := &schedule.Schedule{
		ID:    "s",
		Type:  schedule.TypeActions,
		Limit: 1,
		Triggers: []schedule.Trigger{
			{ID: "t", Type: schedule.TriggerCustomEventCount, Goal: 1},
		},
		Delay: &schedule.Delay{AppState: schedule.AppStateForeground},
	}
	mustSchedule(t, e, s)

	notify(t, e, trigger.Custom("go", 0, nil))
	waitFor(t, "time delayed", func() bool {
		return stateOf(t, e, "s") == schedule.StateTimeDelayed
	})
	time.Sleep(20 * time.Millisecond)
	if n := len(delegate.executions()); n != 0 {
		t.Fatalf("executed %d times while backgrounded", n)
	}

	notify(t, e, trigger.Foreground())
	waitFor(t, "execution", func() bool {
		return len(delegate.executions()) == 1
	})
}

func TestAudiencePenalize(t *testing.T) {
	e, delegate := newEngine(t, Config{
		Audience: &audience.Evaluator{
			Provider: audience.NewStatic(audience.DeviceState{}),
		},
	})
	s := fgSchedule("s", 1, 1)
	s.Audience = &schedule.Audience{NotificationsOptIn: boolp(true)}
	mustSchedule(t, e, s)

	notify(t, e, trigger.Foreground())
	waitFor(t, "back to idle", func() bool {
		return stateOf(t, e, "s") == schedule.StateIdle
	})
	if n := len(delegate.executions()); n != 0 {
		t.Fatalf("executed %d times despite the miss", n)
	}

	d, err := e.GetSchedule(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if d.PenaltyCount != 1 || d.ExecutionCount != 0 {
		t.Fatalf("got penalties %d, count %d", d.PenaltyCount, d.ExecutionCount)
	}
}

func TestAudienceCancel(t *testing.T) {
	e, delegate := newEngine(t, Config{
		Audience: &audience.Evaluator{
			Provider: audience.NewStatic(audience.DeviceState{}),
		},
	})
	s := fgSchedule("s", 1, 1)
	s.Audience = &schedule.Audience{
		NotificationsOptIn: boolp(true),
		MissBehavior:       schedule.MissCancel,
	}
	mustSchedule(t, e, s)

	notify(t, e, trigger.Foreground())
	waitFor(t, "deletion", func() bool {
		_, err := e.GetSchedule(context.Background(), "s")
		return err == NotFound
	})
	if n := len(delegate.executions()); n != 0 {
		t.Fatalf("executed %d times", n)
	}
}

func TestFrequencyLimit(t *testing.T) {
	ctx := context.Background()
	limits, err := freqlimit.NewChecker(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := limits.SetConstraints(ctx, []freqlimit.Constraint{
		{ID: "c", RangeSeconds: 3600, Count: 1},
	}); err != nil {
		t.Fatal(err)
	}

	e, delegate := newEngine(t, Config{Limits: limits})

	a := fgSchedule("a", 1, 2)
	a.ConstraintIDs = []string{"c"}
	b := fgSchedule("b", 1, 2)
	b.ConstraintIDs = []string{"c"}
	mustSchedule(t, e, a)
	mustSchedule(t, e, b)

	notify(t, e, trigger.Foreground())
	waitFor(t, "one execution", func() bool {
		return len(delegate.executions()) == 1
	})
	waitFor(t, "both settled", func() bool {
		return stateOf(t, e, "a") == schedule.StateIdle &&
			stateOf(t, e, "b") == schedule.StateIdle
	})
	time.Sleep(20 * time.Millisecond)
	if n := len(delegate.executions()); n != 1 {
		t.Fatalf("executed %d times past the constraint", n)
	}

	// No penalty for a frequency miss.
	for _, id := range []string{"a", "b"} {
		d, err := e.GetSchedule(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if d.PenaltyCount != 0 {
			t.Fatalf("%s got penalties %d", id, d.PenaltyCount)
		}
	}
}

func TestIntervalPause(t *testing.T) {
	e, delegate := newEngine(t, Config{})
	s := fgSchedule("s", 1, 2)
	s.IntervalSeconds = 0.05
	mustSchedule(t, e, s)

	notify(t, e, trigger.Foreground())
	waitFor(t, "execution", func() bool {
		return len(delegate.executions()) == 1
	})
	waitFor(t, "paused", func() bool {
		return stateOf(t, e, "s") == schedule.StatePaused
	})
	waitFor(t, "re-armed", func() bool {
		return stateOf(t, e, "s") == schedule.StateIdle
	})
}

func TestGoalMetWhileBusy(t *testing.T) {
	e, delegate := newEngine(t, Config{})
	block := make(chan struct{})
	delegate.block = block
	mustSchedule(t, e, fgSchedule("s", 1, 3))

	notify(t, e, trigger.Foreground())
	waitFor(t, "executing", func() bool {
		return stateOf(t, e, "s") == schedule.StateExecuting
	})

	// Progress accumulates while the schedule is busy; the goal is
	// evaluated on the return to idle.
	notify(t, e, trigger.Foreground())
	time.Sleep(20 * time.Millisecond)
	close(block)

	waitFor(t, "second execution", func() bool {
		return len(delegate.executions()) == 2
	})
}

func TestNotReadyWaits(t *testing.T) {
	e, delegate := newEngine(t, Config{})
	delegate.setReady(NotReady)
	mustSchedule(t, e, fgSchedule("s", 1, 1))

	notify(t, e, trigger.Foreground())
	waitFor(t, "waiting conditions", func() bool {
		return stateOf(t, e, "s") == schedule.StateWaitingConditions
	})
	time.Sleep(20 * time.Millisecond)
	if n := len(delegate.executions()); n != 0 {
		t.Fatalf("executed %d times while not ready", n)
	}

	delegate.setReady(Ready)
	e.NotifyConditionsChanged()
	waitFor(t, "execution", func() bool {
		return len(delegate.executions()) == 1
	})
}

func TestEditResurrects(t *testing.T) {
	ctx := context.Background()
	e, delegate := newEngine(t, Config{})
	s := fgSchedule("s", 1, 1)
	s.EditGracePeriodSeconds = 600
	mustSchedule(t, e, s)

	notify(t, e, trigger.Foreground())
	waitFor(t, "finished", func() bool {
		return stateOf(t, e, "s") == schedule.StateFinished
	})

	limit := 2
	d, err := e.Edit(ctx, "s", &schedule.Edits{Limit: &limit})
	if err != nil {
		t.Fatal(err)
	}
	if d.State != schedule.StateIdle {
		t.Fatalf("got %s", d.State)
	}

	notify(t, e, trigger.Foreground())
	waitFor(t, "second execution", func() bool {
		return len(delegate.executions()) == 2
	})
}

func TestEditMissing(t *testing.T) {
	e, _ := newEngine(t, Config{})
	limit := 1
	if _, err := e.Edit(context.Background(), "nope", &schedule.Edits{Limit: &limit}); err != NotFound {
		t.Fatalf("got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	mustSchedule(t, e, fgSchedule("s", 1, 1))

	if err := e.Cancel(ctx, "s"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetSchedule(ctx, "s"); err != NotFound {
		t.Fatalf("got %v", err)
	}
}

func TestCancelGroup(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})

	a := fgSchedule("a", 1, 1)
	a.Group = "g"
	b := fgSchedule("b", 1, 1)
	mustSchedule(t, e, a)
	mustSchedule(t, e, b)

	if err := e.CancelGroup(ctx, "g"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetSchedule(ctx, "a"); err != NotFound {
		t.Fatalf("got %v", err)
	}
	if _, err := e.GetSchedule(ctx, "b"); err != nil {
		t.Fatal("unrelated schedule was cancelled")
	}
}

func TestScheduleExists(t *testing.T) {
	e, _ := newEngine(t, Config{})
	mustSchedule(t, e, fgSchedule("s", 1, 1))
	if _, err := e.Schedule(context.Background(), fgSchedule("s", 1, 1)); err != Exists {
		t.Fatalf("got %v", err)
	}
}

func TestRestoreInterruptedExecution(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMem()

	// A record stranded mid-execution by a crash.
	s := fgSchedule("s", 1, 1)
	d := schedule.NewData(s, time.Now().UTC())
	d.Triggered(&schedule.TriggeringInfo{TriggerID: "s-t"}, "session", time.Now().UTC())
	d.Prepared(time.Now().UTC())
	d.Executing(time.Now().UTC())
	if _, err := mem.Upsert(ctx, "s", func(existing *schedule.Data) (*schedule.Data, error) {
		return d, nil
	}); err != nil {
		t.Fatal(err)
	}

	delegate := &testDelegate{interrupt: InterruptRetry}
	e, err := New(Config{
		Store:     mem,
		Delegates: Delegates{schedule.TypeActions: delegate},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	waitFor(t, "re-execution", func() bool {
		return len(delegate.executions()) == 1
	})
}

func TestUpsertKeepsProgress(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, Config{})
	mustSchedule(t, e, fgSchedule("s", 2, 1))

	notify(t, e, trigger.Foreground())
	waitFor(t, "progress", func() bool {
		d, err := e.GetSchedule(ctx, "s")
		return err == nil && d.TriggerCounts["s-t"] == 1
	})

	// A remote-data update keeps accumulated progress.
	updated := fgSchedule("s", 2, 5)
	if err := e.UpsertSchedules(ctx, []*schedule.Schedule{updated}); err != nil {
		t.Fatal(err)
	}

	d, err := e.GetSchedule(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if d.Schedule.Limit != 5 {
		t.Fatalf("got limit %d", d.Schedule.Limit)
	}
	if d.TriggerCounts["s-t"] != 1 {
		t.Fatalf("got count %v", d.TriggerCounts["s-t"])
	}
}

func boolp(b bool) *bool { return &b }

// hiccupStore fails its first few Updates before delegating to a Mem.
type hiccupStore struct {
	*store.Mem
	mu    sync.Mutex
	fails int
}

func (s *hiccupStore) Update(ctx context.Context, id string, fn func(*schedule.Data) error) (*schedule.Data, error) {
	s.mu.Lock()
	fail := s.fails > 0
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("disk hiccup")
	}
	return s.Mem.Update(ctx, id, fn)
}

func TestStoreFailuresRetried(t *testing.T) {
	e, delegate := newEngine(t, Config{
		Store:   &hiccupStore{Mem: store.NewMem(), fails: 2},
		Backoff: retriable.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond},
	})
	mustSchedule(t, e, fgSchedule("s", 1, 1))

	// The trigger increment must survive the transient failures.
	notify(t, e, trigger.Foreground())
	waitFor(t, "execution", func() bool {
		return len(delegate.executions()) == 1
	})
}

// deadStore fails every List, stranding restore.
type deadStore struct {
	*store.Mem
}

func (s *deadStore) List(ctx context.Context) ([]*schedule.Data, error) {
	return nil, errors.New("store unavailable")
}

func TestStartRestoreFailure(t *testing.T) {
	e, err := New(Config{
		Store: &store.Retrying{
			Inner:   &deadStore{Mem: store.NewMem()},
			Backoff: retriable.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond},
			Timeout: 20 * time.Millisecond,
		},
		Delegates: Delegates{schedule.TypeActions: &testDelegate{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a dead store")
	}

	// A failed Start leaves nothing half-running.
	if err := e.Notify(trigger.Foreground()); err != NotRunning {
		t.Fatalf("got %v", err)
	}
}

func TestStartWaitRereads(t *testing.T) {
	ctx := context.Background()
	e, delegate := newEngine(t, Config{
		Audience: &audience.Evaluator{
			Provider: audience.NewStatic(audience.DeviceState{}),
		},
	})

	start := time.Now().UTC().Add(150 * time.Millisecond)
	s := fgSchedule("s", 1, 1)
	s.Start = &start
	mustSchedule(t, e, s)

	notify(t, e, trigger.Foreground())
	waitFor(t, "preparing", func() bool {
		return stateOf(t, e, "s") == schedule.StatePreparing
	})

	// While the schedule waits for its start date, a remote update
	// adds an audience gate the device misses.
	gated := fgSchedule("s", 1, 1)
	gated.Start = &start
	gated.Audience = &schedule.Audience{
		NotificationsOptIn: boolp(true),
		MissBehavior:       schedule.MissCancel,
	}
	if err := e.UpsertSchedules(ctx, []*schedule.Schedule{gated}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "deletion", func() bool {
		_, err := e.GetSchedule(ctx, "s")
		return err == NotFound
	})
	if n := len(delegate.executions()); n != 0 {
		t.Fatalf("executed %d times with a stale record", n)
	}
}
