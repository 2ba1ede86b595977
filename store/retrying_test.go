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

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mobium/automation/retriable"
	"github.com/mobium/automation/schedule"
)

// flaky fails a set number of calls before delegating to a Mem.
type flaky struct {
	*Mem
	sync.Mutex
	fails    int
	attempts int
}

var hiccup = errors.New("disk hiccup")

func (s *flaky) broken() bool {
	s.Lock()
	defer s.Unlock()
	s.attempts++
	if s.fails > 0 {
		s.fails--
		return true
	}
	return false
}

func (s *flaky) tries() int {
	s.Lock()
	defer s.Unlock()
	return s.attempts
}

func (s *flaky) Update(ctx context.Context, id string, fn func(*schedule.Data) error) (*schedule.Data, error) {
	if s.broken() {
		return nil, hiccup
	}
	return s.Mem.Update(ctx, id, fn)
}

func (s *flaky) Upsert(ctx context.Context, id string, fn func(existing *schedule.Data) (*schedule.Data, error)) (*schedule.Data, error) {
	if s.broken() {
		return nil, hiccup
	}
	return s.Mem.Upsert(ctx, id, fn)
}

func (s *flaky) List(ctx context.Context) ([]*schedule.Data, error) {
	if s.broken() {
		return nil, hiccup
	}
	return s.Mem.List(ctx)
}

func fastRetrying(inner Store) *Retrying {
	return &Retrying{
		Inner:   inner,
		Backoff: retriable.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func TestRetryingUpdate(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{Mem: NewMem(), fails: 2}
	put(t, inner.Mem, testData("a", ""))

	s := fastRetrying(inner)
	updated, err := s.Update(ctx, "a", func(d *schedule.Data) error {
		d.ExecutionCount++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ExecutionCount != 1 {
		t.Fatalf("got count %d", updated.ExecutionCount)
	}
	if inner.tries() != 3 {
		t.Fatalf("got %d attempts", inner.tries())
	}
}

func TestRetryingUpdateFnError(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{Mem: NewMem()}
	put(t, inner.Mem, testData("a", ""))

	s := fastRetrying(inner)
	oops := errors.New("oops")
	if _, err := s.Update(ctx, "a", func(d *schedule.Data) error {
		return oops
	}); err != oops {
		t.Fatalf("got %v", err)
	}
	// The caller's own error is not an I/O failure; no retries.
	if inner.tries() != 1 {
		t.Fatalf("got %d attempts", inner.tries())
	}
}

func TestRetryingUpsertFnError(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{Mem: NewMem()}

	s := fastRetrying(inner)
	taken := errors.New("taken")
	if _, err := s.Upsert(ctx, "a", func(existing *schedule.Data) (*schedule.Data, error) {
		return nil, taken
	}); err != taken {
		t.Fatalf("got %v", err)
	}
	if inner.tries() != 1 {
		t.Fatalf("got %d attempts", inner.tries())
	}
}

func TestRetryingGivesUp(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{Mem: NewMem(), fails: 1 << 20}

	s := fastRetrying(inner)
	s.Timeout = 20 * time.Millisecond

	_, err := s.List(ctx)
	if err != hiccup {
		t.Fatalf("got %v", err)
	}
}

func TestRetryingContract(t *testing.T) {
	// With a healthy inner store the wrapper is transparent.
	exercise(t, fastRetrying(NewMem()))
}
