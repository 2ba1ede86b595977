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

package actions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mobium/automation/engine"
	"github.com/mobium/automation/schedule"
)

func actionsSchedule(t *testing.T, p *Payload) *schedule.Schedule {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return &schedule.Schedule{
		ID:    "s",
		Type:  schedule.TypeActions,
		Limit: 1,
		Data:  data,
		Triggers: []schedule.Trigger{
			{ID: "t", Type: schedule.TriggerAppForeground, Goal: 1},
		},
	}
}

func prepareInfo() *engine.PrepareInfo {
	return &engine.PrepareInfo{TriggerSessionID: "session-1"}
}

// emitted collects everything scripts pass to out().
type emitted struct {
	sync.Mutex
	values []interface{}
}

func (e *emitted) emit(scheduleID string, x interface{}) {
	e.Lock()
	e.values = append(e.values, x)
	e.Unlock()
}

func (e *emitted) all() []interface{} {
	e.Lock()
	defer e.Unlock()
	return append([]interface{}(nil), e.values...)
}

func TestPrepareAndExecute(t *testing.T) {
	ctx := context.Background()
	var out emitted
	r := &Runner{Emit: out.emit}
	s := actionsSchedule(t, &Payload{
		Script: "_.out(_.values.x + 1);",
		Values: map[string]interface{}{"x": 2},
	})

	if got := r.Prepare(ctx, s, prepareInfo()); got != engine.PrepareReady {
		t.Fatalf("got %v", got)
	}
	if got := r.Execute(ctx, s, prepareInfo()); got != engine.ExecuteFinished {
		t.Fatalf("got %v", got)
	}

	values := out.all()
	if len(values) != 1 || values[0] != float64(3) {
		t.Fatalf("got %#v", values)
	}
}

func TestPrepareBadScript(t *testing.T) {
	r := &Runner{}
	s := actionsSchedule(t, &Payload{Script: "function ("})
	if got := r.Prepare(context.Background(), s, prepareInfo()); got != engine.PrepareCancel {
		t.Fatalf("got %v", got)
	}
}

func TestPrepareNoScript(t *testing.T) {
	r := &Runner{}
	s := actionsSchedule(t, &Payload{})
	if got := r.Prepare(context.Background(), s, prepareInfo()); got != engine.PrepareCancel {
		t.Fatalf("got %v", got)
	}
}

func TestExecuteCompilesOnDemand(t *testing.T) {
	// No Prepare first: Execute falls back to compiling itself, as
	// after a process restart.
	var out emitted
	r := &Runner{Emit: out.emit}
	s := actionsSchedule(t, &Payload{Script: "_.out(_.scheduleId);"})

	if got := r.Execute(context.Background(), s, prepareInfo()); got != engine.ExecuteFinished {
		t.Fatalf("got %v", got)
	}
	values := out.all()
	if len(values) != 1 || values[0] != "s" {
		t.Fatalf("got %#v", values)
	}
}

func TestExecuteBadScript(t *testing.T) {
	r := &Runner{}
	s := actionsSchedule(t, &Payload{Script: "function ("})
	if got := r.Execute(context.Background(), s, prepareInfo()); got != engine.ExecuteCancel {
		t.Fatalf("got %v", got)
	}
}

func TestExecuteScriptError(t *testing.T) {
	// A throwing script still counts as a finished execution:
	// re-running it would just fail again.
	r := &Runner{}
	s := actionsSchedule(t, &Payload{Script: "throw new Error('boom');"})
	if got := r.Execute(context.Background(), s, prepareInfo()); got != engine.ExecuteFinished {
		t.Fatalf("got %v", got)
	}
}

func TestExecuteInterrupted(t *testing.T) {
	r := &Runner{Timeout: 20 * time.Millisecond, Testing: true}
	s := actionsSchedule(t, &Payload{Script: "sleep(250); 1;"})
	if got := r.Execute(context.Background(), s, prepareInfo()); got != engine.ExecuteRetry {
		t.Fatalf("got %v", got)
	}
}

func TestInterrupt(t *testing.T) {
	r := &Runner{}
	s := actionsSchedule(t, &Payload{Script: "1;"})
	if got := r.Interrupt(context.Background(), s); got != engine.InterruptRetry {
		t.Fatalf("got %v", got)
	}
}

func TestLibraries(t *testing.T) {
	var out emitted
	r := &Runner{
		Libraries: MakeMapLibraryProvider(map[string]string{
			"inc.js": "function inc(x) { return x + 1; }",
		}),
		Emit: out.emit,
	}
	s := actionsSchedule(t, &Payload{
		Script:   "_.out(inc(41));",
		Requires: []string{"inc.js"},
	})

	if got := r.Prepare(context.Background(), s, prepareInfo()); got != engine.PrepareReady {
		t.Fatalf("got %v", got)
	}
	if got := r.Execute(context.Background(), s, prepareInfo()); got != engine.ExecuteFinished {
		t.Fatalf("got %v", got)
	}
	values := out.all()
	if len(values) != 1 || values[0] != float64(42) {
		t.Fatalf("got %#v", values)
	}
}

func TestMissingLibrary(t *testing.T) {
	r := &Runner{Libraries: MakeMapLibraryProvider(nil)}
	s := actionsSchedule(t, &Payload{
		Script:   "1;",
		Requires: []string{"nope.js"},
	})
	if got := r.Prepare(context.Background(), s, prepareInfo()); got != engine.PrepareCancel {
		t.Fatalf("got %v", got)
	}
}

func TestFileLibraryProviderRejectsTraversal(t *testing.T) {
	provider := MakeFileLibraryProvider(t.TempDir())
	if _, err := provider(context.Background(), "../secrets.js"); err == nil {
		t.Fatal("path traversal allowed")
	}
}

func TestIsReady(t *testing.T) {
	r := &Runner{}
	if got := r.IsReady("s"); got != engine.Ready {
		t.Fatalf("got %v", got)
	}
}
