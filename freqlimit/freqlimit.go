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

// Package freqlimit limits executions across schedules that share a
// frequency constraint.
//
// A constraint allows at most Count occurrences within a sliding
// window.  The occurrence log is keyed by constraint id and shared:
// it is independent of any single schedule.  Reserve is
// compare-and-commit under one lock, so two schedules referencing
// the same constraint cannot both be allowed past the limit.
package freqlimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mobium/automation/schedule"
)

// Constraint is a shared rate limit.
type Constraint struct {
	ID string `json:"id"`

	// RangeSeconds is the sliding window length.
	RangeSeconds float64 `json:"range"`

	// Count is the maximum occurrences allowed within the window.
	Count int `json:"count"`
}

// Range returns the window as a Duration.
func (c Constraint) Range() time.Duration {
	return schedule.Seconds(c.RangeSeconds)
}

// Store persists constraints and their occurrence logs.
type Store interface {
	LoadConstraints(ctx context.Context) ([]Constraint, error)
	SaveConstraint(ctx context.Context, c Constraint) error
	DeleteConstraint(ctx context.Context, id string) error
	LoadOccurrences(ctx context.Context, constraintID string) ([]time.Time, error)
	SaveOccurrences(ctx context.Context, constraintID string, at []time.Time) error
}

// UnknownConstraint is returned by Reserve when a schedule
// references a constraint that has not been defined.
var UnknownConstraint = errors.New("unknown frequency constraint")

// Checker tracks constraints and occurrence logs in memory, writing
// through to an optional Store.
type Checker struct {
	sync.Mutex

	store       Store
	constraints map[string]Constraint
	occurrences map[string][]time.Time
}

// NewChecker makes a Checker, loading any persisted state from the
// store (which may be nil for a purely in-memory checker).
func NewChecker(ctx context.Context, store Store) (*Checker, error) {
	c := &Checker{
		store:       store,
		constraints: make(map[string]Constraint),
		occurrences: make(map[string][]time.Time),
	}
	if store == nil {
		return c, nil
	}
	constraints, err := store.LoadConstraints(ctx)
	if err != nil {
		return nil, err
	}
	for _, constraint := range constraints {
		c.constraints[constraint.ID] = constraint
		occs, err := store.LoadOccurrences(ctx, constraint.ID)
		if err != nil {
			return nil, err
		}
		c.occurrences[constraint.ID] = occs
	}
	return c, nil
}

// SetConstraints replaces or creates the given constraints.
// Changing a constraint's window resets its occurrence log, since
// the old occurrences were recorded against different semantics.
func (c *Checker) SetConstraints(ctx context.Context, constraints []Constraint) error {
	c.Lock()
	defer c.Unlock()

	for _, constraint := range constraints {
		if existing, have := c.constraints[constraint.ID]; have {
			if existing.RangeSeconds != constraint.RangeSeconds {
				c.occurrences[constraint.ID] = nil
				if c.store != nil {
					if err := c.store.SaveOccurrences(ctx, constraint.ID, nil); err != nil {
						return err
					}
				}
			}
		}
		c.constraints[constraint.ID] = constraint
		if c.store != nil {
			if err := c.store.SaveConstraint(ctx, constraint); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteConstraints removes constraints and their occurrence logs.
func (c *Checker) DeleteConstraints(ctx context.Context, ids []string) error {
	c.Lock()
	defer c.Unlock()

	for _, id := range ids {
		delete(c.constraints, id)
		delete(c.occurrences, id)
		if c.store != nil {
			if err := c.store.DeleteConstraint(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// prune drops occurrences that have slid out of the window.  Caller
// holds the lock.
func (c *Checker) prune(constraint Constraint, now time.Time) []time.Time {
	occs := c.occurrences[constraint.ID]
	horizon := now.Add(-constraint.Range())
	keep := occs[:0]
	for _, at := range occs {
		if at.After(horizon) {
			keep = append(keep, at)
		}
	}
	c.occurrences[constraint.ID] = keep
	return keep
}

// IsOverLimit reports whether any of the constraints is currently at
// its limit.  Unknown constraints count as over limit.
func (c *Checker) IsOverLimit(ids []string, now time.Time) bool {
	c.Lock()
	defer c.Unlock()

	for _, id := range ids {
		constraint, have := c.constraints[id]
		if !have {
			return true
		}
		if len(c.prune(constraint, now)) >= constraint.Count {
			return true
		}
	}
	return false
}

// Reserve atomically checks every constraint and, when all allow,
// records one occurrence against each before returning.  The commit
// happens under the same lock as the check, so a concurrent caller
// sharing a constraint sees the reservation.
//
// A false return with a nil error is a plain denial: the caller
// should treat it like any other gating miss.
func (c *Checker) Reserve(ctx context.Context, ids []string, now time.Time) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}

	c.Lock()
	defer c.Unlock()

	for _, id := range ids {
		constraint, have := c.constraints[id]
		if !have {
			return false, UnknownConstraint
		}
		if len(c.prune(constraint, now)) >= constraint.Count {
			return false, nil
		}
	}

	for _, id := range ids {
		c.occurrences[id] = append(c.occurrences[id], now)
		if c.store != nil {
			if err := c.store.SaveOccurrences(ctx, id, c.occurrences[id]); err != nil {
				// The reservation stands in memory; the log
				// write will be retried on the next save.
				return true, err
			}
		}
	}
	return true, nil
}

// ConstraintIDs returns the ids of all known constraints.
func (c *Checker) ConstraintIDs() []string {
	c.Lock()
	defer c.Unlock()
	acc := make([]string, 0, len(c.constraints))
	for id := range c.constraints {
		acc = append(acc, id)
	}
	return acc
}
