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

// Package schedule defines the automation data model: schedules,
// triggers, delays, audiences, and the persisted lifecycle record.
package schedule

import (
	"encoding/json"
	"errors"
	"time"
)

// Type discriminates a schedule's payload.
//
// The set is closed: the engine dispatches to an execution delegate
// selected by this value.
type Type string

const (
	TypeInAppMessage Type = "in_app_message"
	TypeActions      Type = "actions"
	TypeDeferred     Type = "deferred"
)

// TriggerType names the kind of application or business event a
// trigger counts.
type TriggerType string

const (
	TriggerAppInit          TriggerType = "app_init"
	TriggerAppForeground    TriggerType = "app_foreground"
	TriggerAppBackground    TriggerType = "app_background"
	TriggerCustomEventCount TriggerType = "custom_event_count"
	TriggerCustomEventValue TriggerType = "custom_event_value"
	TriggerRegionEnter      TriggerType = "region_enter"
	TriggerRegionExit       TriggerType = "region_exit"
	TriggerScreenView       TriggerType = "screen_view"
	TriggerVersionUpdate    TriggerType = "version_update"
	TriggerActiveSession    TriggerType = "active_session"
)

// Trigger is a counted condition attached to a schedule.
//
// The accumulated progress lives in Data.TriggerCounts, not here: a
// Trigger is pure configuration.
type Trigger struct {
	// ID identifies this trigger within its schedule.  Assigned
	// when the schedule is created if not given.
	ID string `json:"id"`

	Type TriggerType `json:"type"`

	// Goal is the target count.  Must be positive.
	Goal float64 `json:"goal"`

	// Predicate optionally restricts which event payloads count.
	// The syntax is that of package predicate.
	Predicate interface{} `json:"predicate,omitempty"`
}

// AppState is a Delay condition on whether the app is in the
// foreground.
type AppState string

const (
	AppStateAny        AppState = ""
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// Delay gates execution after a trigger fires.
type Delay struct {
	// Seconds is the minimum wait after the triggering event.
	Seconds float64 `json:"seconds,omitempty"`

	// Screens, if non-empty, requires the current screen to be a
	// member at evaluation time.
	Screens []string `json:"screens,omitempty"`

	// RegionID, if non-empty, requires the device to be in that
	// region at evaluation time.
	RegionID string `json:"region_id,omitempty"`

	AppState AppState `json:"app_state,omitempty"`

	// CancellationTriggers abort a pending execution if they fire
	// while the schedule is time-delayed.  The schedule returns to
	// idle without consuming an execution.
	CancellationTriggers []Trigger `json:"cancellation_triggers,omitempty"`
}

// MissBehavior is the disposition applied when an audience check
// fails.
type MissBehavior string

const (
	// MissCancel deletes the schedule.
	MissCancel MissBehavior = "cancel"
	// MissSkip returns the schedule to idle without consuming the
	// trigger or an execution.
	MissSkip MissBehavior = "skip"
	// MissPenalize behaves like MissSkip but also increments the
	// schedule's penalty counter for holdout bookkeeping.
	MissPenalize MissBehavior = "penalize"
)

// TagSelector is a boolean expression over tag membership.
//
// Exactly one field should be set.
type TagSelector struct {
	Tag string         `json:"tag,omitempty"`
	Not *TagSelector   `json:"not,omitempty"`
	And []*TagSelector `json:"and,omitempty"`
	Or  []*TagSelector `json:"or,omitempty"`
}

// Audience is a predicate over device and user state.  Absent
// sub-predicates mean "don't care"; configured ones are ANDed.
type Audience struct {
	NotificationsOptIn *bool `json:"notifications_opt_in,omitempty"`
	LocationOptIn      *bool `json:"location_opt_in,omitempty"`

	// Languages matches when the device locale's language is a
	// member.
	Languages []string `json:"languages,omitempty"`

	Tags *TagSelector `json:"tags,omitempty"`

	// VersionPredicate is matched (package predicate syntax)
	// against the app version string.
	VersionPredicate interface{} `json:"version_predicate,omitempty"`

	// MissBehavior defaults to MissPenalize.
	MissBehavior MissBehavior `json:"miss_behavior,omitempty"`
}

// Behavior returns the effective miss behavior.
func (a *Audience) Behavior() MissBehavior {
	if a == nil || a.MissBehavior == "" {
		return MissPenalize
	}
	return a.MissBehavior
}

// Schedule is the unit of automation.
type Schedule struct {
	// ID must be unique and stable.  Generated when empty.
	ID string `json:"id"`

	// Group is a non-unique label used for bulk cancellation.
	Group string `json:"group,omitempty"`

	// Priority orders schedules that become eligible in the same
	// evaluation pass.  Lower executes first.
	Priority int `json:"priority,omitempty"`

	Type Type `json:"type"`

	// Data is an opaque payload owned by the execution delegate's
	// domain.
	Data json.RawMessage `json:"data,omitempty"`

	// Campaigns and ReportingContext are pass-through metadata.
	Campaigns        json.RawMessage `json:"campaigns,omitempty"`
	ReportingContext json.RawMessage `json:"reporting_context,omitempty"`

	// Limit is the maximum number of successful executions.  A
	// zero limit means the schedule never executes.
	Limit int `json:"limit"`

	// Interval pauses the schedule for this many seconds after
	// each execution before re-arming.
	IntervalSeconds float64 `json:"interval,omitempty"`

	// Start and End bound the schedule's validity window.
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`

	// EditGracePeriodSeconds keeps a finished or expired record
	// editable (and resurrectable) for this long before deletion.
	EditGracePeriodSeconds float64 `json:"edit_grace_period,omitempty"`

	Triggers      []Trigger `json:"triggers,omitempty"`
	Delay         *Delay    `json:"delay,omitempty"`
	Audience      *Audience `json:"audience,omitempty"`
	ConstraintIDs []string  `json:"frequency_constraint_ids,omitempty"`
}

// Interval returns the pause interval as a Duration.
func (s *Schedule) Interval() time.Duration {
	return Seconds(s.IntervalSeconds)
}

// EditGracePeriod returns the grace period as a Duration.
func (s *Schedule) EditGracePeriod() time.Duration {
	return Seconds(s.EditGracePeriodSeconds)
}

// Seconds converts a (possibly fractional) seconds count to a
// Duration.
func Seconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// Validate reports problems that would make a schedule unusable.
func (s *Schedule) Validate() error {
	if s.Type != TypeInAppMessage && s.Type != TypeActions && s.Type != TypeDeferred {
		return errors.New(`unknown schedule type "` + string(s.Type) + `"`)
	}
	if s.Limit < 0 {
		return errors.New("schedule limit is negative")
	}
	for _, t := range s.Triggers {
		if t.Goal <= 0 {
			return errors.New(`trigger "` + t.ID + `" has a non-positive goal`)
		}
	}
	if s.Delay != nil {
		for _, t := range s.Delay.CancellationTriggers {
			if t.Goal <= 0 {
				return errors.New(`cancellation trigger "` + t.ID + `" has a non-positive goal`)
			}
		}
	}
	return nil
}

// Copy makes a deep-enough copy.  The raw payloads are shared since
// nothing mutates them.
func (s *Schedule) Copy() *Schedule {
	acc := *s
	acc.Triggers = append([]Trigger(nil), s.Triggers...)
	acc.ConstraintIDs = append([]string(nil), s.ConstraintIDs...)
	if s.Delay != nil {
		d := *s.Delay
		d.CancellationTriggers = append([]Trigger(nil), s.Delay.CancellationTriggers...)
		acc.Delay = &d
	}
	if s.Audience != nil {
		a := *s.Audience
		acc.Audience = &a
	}
	if s.Start != nil {
		t := *s.Start
		acc.Start = &t
	}
	if s.End != nil {
		t := *s.End
		acc.End = &t
	}
	return &acc
}
