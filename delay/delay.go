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

// Package delay evaluates a schedule's delay gate.
//
// A delay holds execution back until a minimum wall-clock wait has
// elapsed and the app-state conditions (screen, region, foreground)
// hold.  Those conditions can become true asynchronously without any
// event aimed at a particular schedule, so the Tracker broadcasts
// every state change and Wait is level-triggered: it re-checks on
// each change and on the wait timer.
package delay

import (
	"context"
	"sync"
	"time"

	"github.com/mobium/automation/schedule"
	"github.com/mobium/automation/trigger"
)

// Tracker maintains the current app state that delay conditions are
// evaluated against.
type Tracker struct {
	sync.Mutex

	foreground bool
	screen     string
	regions    map[string]bool

	// change is closed and replaced on every state change.
	// Waiters grab it under the lock and select on it.
	change chan struct{}
}

// NewTracker makes a Tracker with no known state (backgrounded, no
// screen, no regions).
func NewTracker() *Tracker {
	return &Tracker{
		regions: make(map[string]bool),
		change:  make(chan struct{}),
	}
}

func (t *Tracker) broadcast() {
	close(t.change)
	t.change = make(chan struct{})
}

// changeCh returns the channel that is closed on the next state
// change.
func (t *Tracker) changeCh() <-chan struct{} {
	t.Lock()
	ch := t.change
	t.Unlock()
	return ch
}

// SetForeground records whether the app is in the foreground.
func (t *Tracker) SetForeground(foreground bool) {
	t.Lock()
	if t.foreground != foreground {
		t.foreground = foreground
		t.broadcast()
	}
	t.Unlock()
}

// SetScreen records the currently displayed screen.
func (t *Tracker) SetScreen(screen string) {
	t.Lock()
	if t.screen != screen {
		t.screen = screen
		t.broadcast()
	}
	t.Unlock()
}

// SetRegion records region membership.
func (t *Tracker) SetRegion(regionID string, inside bool) {
	t.Lock()
	if t.regions[regionID] != inside {
		if inside {
			t.regions[regionID] = true
		} else {
			delete(t.regions, regionID)
		}
		t.broadcast()
	}
	t.Unlock()
}

// Observe updates the tracker from a trigger-relevant event.  The
// engine routes every event through here before trigger processing
// so that delay conditions see the current state.
func (t *Tracker) Observe(e *trigger.Event) {
	switch e.Type {
	case trigger.EventAppForeground:
		t.SetForeground(true)
	case trigger.EventAppBackground:
		t.SetForeground(false)
	case trigger.EventScreenView:
		t.SetScreen(e.Name)
	case trigger.EventRegionEnter:
		t.SetRegion(e.Name, true)
	case trigger.EventRegionExit:
		t.SetRegion(e.Name, false)
	}
}

// conditionsMet checks everything but the wall-clock wait.
func (t *Tracker) conditionsMet(d *schedule.Delay) bool {
	t.Lock()
	defer t.Unlock()

	switch d.AppState {
	case schedule.AppStateForeground:
		if !t.foreground {
			return false
		}
	case schedule.AppStateBackground:
		if t.foreground {
			return false
		}
	}

	if len(d.Screens) > 0 {
		member := false
		for _, screen := range d.Screens {
			if screen == t.screen {
				member = true
				break
			}
		}
		if !member {
			return false
		}
	}

	if d.RegionID != "" && !t.regions[d.RegionID] {
		return false
	}

	return true
}

// IsSatisfied reports whether the delay gate is open right now,
// given when the triggering event happened.
func (t *Tracker) IsSatisfied(d *schedule.Delay, triggerDate, now time.Time) bool {
	if d == nil {
		return true
	}
	if remaining := remainingWait(d, triggerDate, now); remaining > 0 {
		return false
	}
	return t.conditionsMet(d)
}

// Wait blocks until the delay gate opens or the context is
// cancelled.
func (t *Tracker) Wait(ctx context.Context, d *schedule.Delay, triggerDate time.Time) error {
	if d == nil {
		return nil
	}

	if remaining := remainingWait(d, triggerDate, time.Now()); remaining > 0 {
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for {
		ch := t.changeCh()
		if t.conditionsMet(d) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			// State changed; re-check.
		}
	}
}

func remainingWait(d *schedule.Delay, triggerDate, now time.Time) time.Duration {
	if d.Seconds <= 0 {
		return 0
	}
	return triggerDate.Add(schedule.Seconds(d.Seconds)).Sub(now)
}
