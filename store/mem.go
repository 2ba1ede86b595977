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
	"sync"

	"github.com/mobium/automation/schedule"
)

// Mem is an in-memory Store for tests and ephemeral use.  Records
// are copied on the way in and out so callers can't mutate the
// store's view behind its back.
type Mem struct {
	sync.Mutex

	records map[string]*schedule.Data
}

// NewMem makes an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		records: make(map[string]*schedule.Data, 8),
	}
}

func (s *Mem) Close() error { return nil }

func (s *Mem) Get(ctx context.Context, id string) (*schedule.Data, error) {
	s.Lock()
	defer s.Unlock()
	d, have := s.records[id]
	if !have {
		return nil, nil
	}
	return d.Copy(), nil
}

func (s *Mem) List(ctx context.Context) ([]*schedule.Data, error) {
	s.Lock()
	defer s.Unlock()
	acc := make([]*schedule.Data, 0, len(s.records))
	for _, d := range s.records {
		acc = append(acc, d.Copy())
	}
	return acc, nil
}

func (s *Mem) Group(ctx context.Context, group string) ([]*schedule.Data, error) {
	s.Lock()
	defer s.Unlock()
	var acc []*schedule.Data
	for _, d := range s.records {
		if d.Schedule.Group == group {
			acc = append(acc, d.Copy())
		}
	}
	return acc, nil
}

func (s *Mem) Update(ctx context.Context, id string, fn func(*schedule.Data) error) (*schedule.Data, error) {
	s.Lock()
	defer s.Unlock()
	d, have := s.records[id]
	if !have {
		return nil, nil
	}
	working := d.Copy()
	if err := fn(working); err != nil {
		return nil, err
	}
	s.records[id] = working
	return working.Copy(), nil
}

func (s *Mem) Upsert(ctx context.Context, id string, fn func(existing *schedule.Data) (*schedule.Data, error)) (*schedule.Data, error) {
	s.Lock()
	defer s.Unlock()
	var existing *schedule.Data
	if d, have := s.records[id]; have {
		existing = d.Copy()
	}
	d, err := fn(existing)
	if err != nil {
		return nil, err
	}
	s.records[id] = d.Copy()
	return d.Copy(), nil
}

func (s *Mem) Delete(ctx context.Context, ids ...string) error {
	s.Lock()
	defer s.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *Mem) DeleteGroup(ctx context.Context, group string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	var deleted []string
	for id, d := range s.records {
		if d.Schedule.Group == group {
			deleted = append(deleted, id)
			delete(s.records, id)
		}
	}
	return deleted, nil
}

func (s *Mem) DeleteAll(ctx context.Context) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	var deleted []string
	for id := range s.records {
		deleted = append(deleted, id)
		delete(s.records, id)
	}
	return deleted, nil
}
