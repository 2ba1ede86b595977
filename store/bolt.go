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
	"encoding/json"
	"log"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mobium/automation/schedule"
)

var schedulesBucket = []byte("schedules")

// Bolt is a bbolt-backed Store.  One record per schedule id, stored
// as JSON.  bbolt's single-writer transactions give Update and
// Upsert their read-modify-write atomicity.
type Bolt struct {
	Debug bool

	filename string
	db       *bolt.DB
}

// NewBolt opens (or creates) the database file.
func NewBolt(filename string) (*Bolt, error) {
	opts := &bolt.Options{
		Timeout: time.Second,
	}
	db, err := bolt.Open(filename, 0644, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(schedulesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{filename: filename, db: db}, nil
}

// DB exposes the underlying handle so other components (the
// frequency limiter) can share the file.
func (s *Bolt) DB() *bolt.DB {
	return s.db
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) logf(format string, args ...interface{}) {
	if s.Debug {
		log.Printf("Bolt "+format, args...)
	}
}

func decode(bs []byte) (*schedule.Data, error) {
	var d schedule.Data
	if err := json.Unmarshal(bs, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Bolt) Get(ctx context.Context, id string) (*schedule.Data, error) {
	var d *schedule.Data
	err := s.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(schedulesBucket).Get([]byte(id))
		if bs == nil {
			return nil
		}
		var err error
		d, err = decode(bs)
		return err
	})
	return d, err
}

func (s *Bolt) list(filter func(*schedule.Data) bool) ([]*schedule.Data, error) {
	acc := make([]*schedule.Data, 0, 32)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(schedulesBucket).Cursor()
		for id, bs := c.First(); id != nil; id, bs = c.Next() {
			d, err := decode(bs)
			if err != nil {
				return err
			}
			if filter == nil || filter(d) {
				acc = append(acc, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *Bolt) List(ctx context.Context) ([]*schedule.Data, error) {
	return s.list(nil)
}

func (s *Bolt) Group(ctx context.Context, group string) ([]*schedule.Data, error) {
	return s.list(func(d *schedule.Data) bool {
		return d.Schedule.Group == group
	})
}

func (s *Bolt) Update(ctx context.Context, id string, fn func(*schedule.Data) error) (*schedule.Data, error) {
	var updated *schedule.Data
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(schedulesBucket)
		bs := b.Get([]byte(id))
		if bs == nil {
			return nil
		}
		d, err := decode(bs)
		if err != nil {
			return err
		}
		if err = fn(d); err != nil {
			return err
		}
		js, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err = b.Put([]byte(id), js); err != nil {
			return err
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf("Update %s", id)
	return updated, nil
}

func (s *Bolt) Upsert(ctx context.Context, id string, fn func(existing *schedule.Data) (*schedule.Data, error)) (*schedule.Data, error) {
	var written *schedule.Data
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(schedulesBucket)
		var existing *schedule.Data
		if bs := b.Get([]byte(id)); bs != nil {
			var err error
			if existing, err = decode(bs); err != nil {
				return err
			}
		}
		d, err := fn(existing)
		if err != nil {
			return err
		}
		js, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err = b.Put([]byte(id), js); err != nil {
			return err
		}
		written = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf("Upsert %s", id)
	return written, nil
}

func (s *Bolt) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.logf("Delete %v", ids)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(schedulesBucket)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) deleteMatching(filter func(*schedule.Data) bool) ([]string, error) {
	var deleted []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(schedulesBucket)
		c := b.Cursor()
		for id, bs := c.First(); id != nil; id, bs = c.Next() {
			d, err := decode(bs)
			if err != nil {
				return err
			}
			if filter == nil || filter(d) {
				deleted = append(deleted, string(id))
			}
		}
		for _, id := range deleted {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *Bolt) DeleteGroup(ctx context.Context, group string) ([]string, error) {
	return s.deleteMatching(func(d *schedule.Data) bool {
		return d.Schedule.Group == group
	})
}

func (s *Bolt) DeleteAll(ctx context.Context) ([]string, error) {
	return s.deleteMatching(nil)
}
