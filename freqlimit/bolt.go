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

package freqlimit

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	constraintsBucket = []byte("constraints")
	occurrencesBucket = []byte("occurrences")
)

// BoltStore persists constraints and occurrence logs in a bbolt
// database.  The database handle is shared with the schedule store;
// this type only touches its own buckets.
type BoltStore struct {
	DB *bolt.DB
}

// NewBoltStore makes the buckets if needed.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(constraintsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(occurrencesBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{DB: db}, nil
}

func (s *BoltStore) LoadConstraints(ctx context.Context) ([]Constraint, error) {
	var acc []Constraint
	err := s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(constraintsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, bs []byte) error {
			var c Constraint
			if err := json.Unmarshal(bs, &c); err != nil {
				return err
			}
			acc = append(acc, c)
			return nil
		})
	})
	return acc, err
}

func (s *BoltStore) SaveConstraint(ctx context.Context, c Constraint) error {
	js, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	return s.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(constraintsBucket).Put([]byte(c.ID), js)
	})
}

func (s *BoltStore) DeleteConstraint(ctx context.Context, id string) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(constraintsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(occurrencesBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) LoadOccurrences(ctx context.Context, constraintID string) ([]time.Time, error) {
	var acc []time.Time
	err := s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(occurrencesBucket)
		if b == nil {
			return nil
		}
		bs := b.Get([]byte(constraintID))
		if bs == nil {
			return nil
		}
		return json.Unmarshal(bs, &acc)
	})
	return acc, err
}

func (s *BoltStore) SaveOccurrences(ctx context.Context, constraintID string, at []time.Time) error {
	js, err := json.Marshal(at)
	if err != nil {
		return err
	}
	return s.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(occurrencesBucket).Put([]byte(constraintID), js)
	})
}
