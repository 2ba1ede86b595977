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
	"encoding/json"
	"errors"

	"github.com/mobium/automation/schedule"
)

// PrepareResult is the delegate's answer to Prepare.
type PrepareResult int

const (
	// PrepareReady means assets are staged and the schedule can
	// proceed to its readiness wait.
	PrepareReady PrepareResult = iota
	// PrepareSkip abandons this execution attempt; the schedule
	// returns to idle without consuming an execution.
	PrepareSkip
	// PreparePenalize is PrepareSkip plus a penalty-counter
	// increment for holdout bookkeeping.
	PreparePenalize
	// PrepareInvalidate means the schedule's payload looked stale;
	// the engine re-reads the record and prepares again.
	PrepareInvalidate
	// PrepareCancel deletes the schedule.
	PrepareCancel
	// PrepareRetry asks for the same Prepare call again after a
	// backoff.
	PrepareRetry
)

// ReadyResult is the delegate's answer to IsReady.  The check must
// be cheap and re-callable: the engine polls it on every conditions
// change.
type ReadyResult int

const (
	Ready ReadyResult = iota
	NotReady
	// ReadyInvalidate sends the schedule back through preparation.
	ReadyInvalidate
	// ReadySkip abandons the attempt without executing.
	ReadySkip
)

// ExecuteResult is the delegate's answer to Execute.
type ExecuteResult int

const (
	// ExecuteFinished counts the execution.
	ExecuteFinished ExecuteResult = iota
	// ExecuteCancel deletes the schedule.
	ExecuteCancel
	// ExecuteRetry sends the schedule back through preparation
	// without counting an execution.
	ExecuteRetry
)

// InterruptBehavior is the delegate's answer to Interrupt for an
// execution cut off by a process restart.
type InterruptBehavior int

const (
	// InterruptFinish counts the interrupted execution as done.
	InterruptFinish InterruptBehavior = iota
	// InterruptRetry sends the schedule back through preparation.
	InterruptRetry
)

// PrepareInfo carries the context a delegate gets alongside the
// schedule.
type PrepareInfo struct {
	TriggerSessionID string
	TriggerInfo      *schedule.TriggeringInfo
	Campaigns        json.RawMessage
	ReportingContext json.RawMessage
}

// Delegate performs a schedule's payload.  One delegate serves one
// schedule type; the engine dispatches by type.
//
// A late Prepare or Execute completion for a schedule that has been
// cancelled in the meantime is a no-op: the engine re-checks state
// before acting on any result.
type Delegate interface {
	Prepare(ctx context.Context, s *schedule.Schedule, info *PrepareInfo) PrepareResult
	IsReady(scheduleID string) ReadyResult
	Execute(ctx context.Context, s *schedule.Schedule, info *PrepareInfo) ExecuteResult
	Interrupt(ctx context.Context, s *schedule.Schedule) InterruptBehavior
}

// Delegates maps schedule types to their delegates.  The set is
// closed on purpose: dispatch by tag rather than open-ended
// subclassing.
type Delegates map[schedule.Type]Delegate

// NoDelegate is reported when a schedule's type has no registered
// delegate.  The schedule is treated as malformed.
var NoDelegate = errors.New("no delegate for schedule type")

func (ds Delegates) find(t schedule.Type) (Delegate, error) {
	d, have := ds[t]
	if !have {
		return nil, NoDelegate
	}
	return d, nil
}
