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
	"errors"
)

// State represents where a schedule is in its lifecycle.
//
// Transitions between states are owned exclusively by the engine,
// which serializes them per schedule id.  Everything else only reads.
type State int

const (
	// StateIdle means the schedule is armed and its triggers are
	// accumulating progress.
	StateIdle State = iota

	// StateTimeDelayed means a trigger goal was met but the
	// schedule's Delay gate has not been satisfied yet.
	StateTimeDelayed

	// StatePreparing means the audience and frequency gates are
	// being consulted, followed by the delegate's Prepare call.
	StatePreparing

	// StateWaitingConditions means the schedule is prepared and
	// waiting for the delegate to report ready.
	StateWaitingConditions

	// StateExecuting means the delegate's Execute call is in
	// flight.
	StateExecuting

	// StatePaused means the schedule executed and is waiting out
	// its interval before re-arming.
	StatePaused

	// StateFinished is terminal.  The record is retained only for
	// the schedule's edit grace period.
	StateFinished
)

var stateNames = map[State]string{
	StateIdle:              "idle",
	StateTimeDelayed:       "time_delayed",
	StatePreparing:         "preparing",
	StateWaitingConditions: "waiting_conditions",
	StateExecuting:         "executing",
	StatePaused:            "paused",
	StateFinished:          "finished",
}

func (s State) String() string {
	if name, have := stateNames[s]; have {
		return name
	}
	return "unknown"
}

// MarshalText renders the state by name so that persisted records are
// legible.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(bs []byte) error {
	for state, name := range stateNames {
		if name == string(bs) {
			*s = state
			return nil
		}
	}
	return errors.New(`unknown schedule state "` + string(bs) + `"`)
}
