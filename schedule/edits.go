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

// Edits is a partial update to a schedule.  Nil fields are left
// unchanged.
//
// Edits can arrive from the local API or from remote data, and can
// land at any point in the lifecycle, including during the grace
// period after a schedule finishes.
type Edits struct {
	Priority               *int            `json:"priority,omitempty"`
	Limit                  *int            `json:"limit,omitempty"`
	IntervalSeconds        *float64        `json:"interval,omitempty"`
	Start                  *time.Time      `json:"start,omitempty"`
	End                    *time.Time      `json:"end,omitempty"`
	EditGracePeriodSeconds *float64        `json:"edit_grace_period,omitempty"`
	Data                   json.RawMessage `json:"data,omitempty"`
	Campaigns              json.RawMessage `json:"campaigns,omitempty"`
	ReportingContext       json.RawMessage `json:"reporting_context,omitempty"`
	Audience               *Audience       `json:"audience,omitempty"`
	ConstraintIDs          []string        `json:"frequency_constraint_ids,omitempty"`
}

// Apply overlays the edits on the record and reconciles its state.
//
// Editing an idle schedule resets its trigger progress, since an
// edit can change what the triggers mean.
func (e *Edits) Apply(d *Data, now time.Time) {
	s := &d.Schedule
	if e.Priority != nil {
		s.Priority = *e.Priority
	}
	if e.Limit != nil {
		s.Limit = *e.Limit
	}
	if e.IntervalSeconds != nil {
		s.IntervalSeconds = *e.IntervalSeconds
	}
	if e.Start != nil {
		t := *e.Start
		s.Start = &t
	}
	if e.End != nil {
		t := *e.End
		s.End = &t
	}
	if e.EditGracePeriodSeconds != nil {
		s.EditGracePeriodSeconds = *e.EditGracePeriodSeconds
	}
	if e.Data != nil {
		s.Data = e.Data
	}
	if e.Campaigns != nil {
		s.Campaigns = e.Campaigns
	}
	if e.ReportingContext != nil {
		s.ReportingContext = e.ReportingContext
	}
	if e.Audience != nil {
		a := *e.Audience
		s.Audience = &a
	}
	if e.ConstraintIDs != nil {
		s.ConstraintIDs = append([]string(nil), e.ConstraintIDs...)
	}

	if d.State == StateIdle {
		d.ResetTriggerCounts()
	}
	d.Reconcile(now)
}
