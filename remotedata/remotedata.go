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

// Package remotedata syncs schedule and constraint definitions from a
// remote source.
//
// A payload is declarative: the schedules and constraints it carries
// are upserted, and the cancellations it names are applied.  Existing
// records keep their lifecycle state and trigger progress across an
// update.
package remotedata

import (
	"context"

	"github.com/mobium/automation/freqlimit"
	"github.com/mobium/automation/schedule"
)

// Payload is one remote-data document.
type Payload struct {
	// Schedules are created or updated.
	Schedules []*schedule.Schedule `json:"schedules,omitempty"`

	// Constraints are created or updated.
	Constraints []freqlimit.Constraint `json:"constraints,omitempty"`

	// CancelScheduleIDs are deleted outright.
	CancelScheduleIDs []string `json:"cancel_schedule_ids,omitempty"`

	// CancelGroups are deleted by group.
	CancelGroups []string `json:"cancel_groups,omitempty"`
}

// Handler consumes payloads.  The automation engine satisfies this.
type Handler interface {
	UpsertSchedules(ctx context.Context, schedules []*schedule.Schedule) error
	Cancel(ctx context.Context, ids ...string) error
	CancelGroup(ctx context.Context, group string) error
	SetConstraints(ctx context.Context, constraints []freqlimit.Constraint) error
}

// Apply applies a payload.  Constraints land before schedules so a
// new schedule never references a constraint the limiter hasn't seen.
func Apply(ctx context.Context, h Handler, p *Payload) error {
	if len(p.Constraints) > 0 {
		if err := h.SetConstraints(ctx, p.Constraints); err != nil {
			return err
		}
	}
	if len(p.Schedules) > 0 {
		if err := h.UpsertSchedules(ctx, p.Schedules); err != nil {
			return err
		}
	}
	if len(p.CancelScheduleIDs) > 0 {
		if err := h.Cancel(ctx, p.CancelScheduleIDs...); err != nil {
			return err
		}
	}
	for _, group := range p.CancelGroups {
		if err := h.CancelGroup(ctx, group); err != nil {
			return err
		}
	}
	return nil
}
