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

// Package store persists schedule records.
//
// The store is the single source of truth for schedule state.  The
// engine's in-memory view is a cache: reads immediately preceding a
// state transition go through Update, which re-fetches inside the
// transaction, so out-of-band mutations (remote-data edits) are
// always observed.
package store

import (
	"context"

	"github.com/mobium/automation/schedule"
)

// Store is durable, transactional CRUD for schedule records keyed by
// schedule id.
//
// Update and Upsert provide the transactional read-modify-write that
// the engine's per-schedule serialization relies on: the function
// runs against the current record and the result is written in the
// same transaction.
type Store interface {
	// Get returns the record, or nil when absent.
	Get(ctx context.Context, id string) (*schedule.Data, error)

	// List returns every record.
	List(ctx context.Context) ([]*schedule.Data, error)

	// Group returns the records in the given group.
	Group(ctx context.Context, group string) ([]*schedule.Data, error)

	// Update applies fn to the current record transactionally.
	// Absent records are skipped (nil, nil).  An error from fn
	// aborts the write.
	Update(ctx context.Context, id string, fn func(*schedule.Data) error) (*schedule.Data, error)

	// Upsert creates or replaces the record transactionally.  fn
	// receives the existing record (nil when absent) and returns
	// the record to write.
	Upsert(ctx context.Context, id string, fn func(existing *schedule.Data) (*schedule.Data, error)) (*schedule.Data, error)

	// Delete removes the given records.  Missing ids are not an
	// error.
	Delete(ctx context.Context, ids ...string) error

	// DeleteGroup removes every record in the group and returns
	// the deleted ids.
	DeleteGroup(ctx context.Context, group string) ([]string, error)

	// DeleteAll removes everything and returns the deleted ids.
	DeleteAll(ctx context.Context) ([]string, error)

	Close() error
}
