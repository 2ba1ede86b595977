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

package delay

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimerEntry is one pending timer, keyed by schedule id.
type TimerEntry struct {
	ScheduleID string
	At         time.Time
	Ctl        chan bool

	timers *Timers
}

// Timers tracks pending per-schedule timers (paused-interval
// re-arming, mostly).  Adding a timer for a schedule that already
// has one replaces it.
type Timers struct {
	sync.Mutex

	Map     map[string]*TimerEntry
	Emitter func(context.Context, string)
	Verbose bool
}

// NewTimers creates a Timers that will call the emitter with the
// schedule id when a timer fires.
func NewTimers(emitter func(context.Context, string)) *Timers {
	return &Timers{
		Map:     make(map[string]*TimerEntry, 8),
		Emitter: emitter,
	}
}

func (ts *Timers) logf(format string, args ...interface{}) {
	if ts.Verbose {
		log.Printf("Timers."+format, args...)
	}
}

// Add starts a timer for the schedule.  Any existing timer for the
// same schedule is cancelled first.
func (ts *Timers) Add(ctx context.Context, scheduleID string, d time.Duration) {
	ts.logf("Add %s in %s", scheduleID, d)

	ts.Lock()
	if _, have := ts.Map[scheduleID]; have {
		ts.cancel(scheduleID)
	}
	e := &TimerEntry{
		ScheduleID: scheduleID,
		At:         time.Now().UTC().Add(d),
		Ctl:        make(chan bool),
		timers:     ts,
	}
	ts.Map[scheduleID] = e
	ts.Unlock()

	go e.run(ctx)
}

// run waits out the timer and emits unless cancelled first.
func (te *TimerEntry) run(ctx context.Context) {
	t := time.NewTimer(time.Until(te.At))
	select {
	case <-t.C:
		te.timers.logf("firing %s", te.ScheduleID)
		te.timers.Lock()
		delete(te.timers.Map, te.ScheduleID)
		te.timers.Unlock()
		te.timers.Emitter(ctx, te.ScheduleID)
	case <-te.Ctl:
		t.Stop()
		te.timers.logf("cancelled %s", te.ScheduleID)
	case <-ctx.Done():
		t.Stop()
	}
}

func (ts *Timers) cancel(scheduleID string) {
	if e, have := ts.Map[scheduleID]; have {
		delete(ts.Map, scheduleID)
		close(e.Ctl)
	}
}

// Cancel stops the timer for the schedule, if any.
func (ts *Timers) Cancel(scheduleID string) {
	ts.Lock()
	ts.cancel(scheduleID)
	ts.Unlock()
}

// CancelAll stops every pending timer.
func (ts *Timers) CancelAll() {
	ts.Lock()
	for id := range ts.Map {
		ts.cancel(id)
	}
	ts.Unlock()
}
