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
	"time"

	"github.com/mobium/automation/retriable"
	"github.com/mobium/automation/schedule"
)

// DefaultRetryTimeout bounds the retries of one store call.
var DefaultRetryTimeout = 30 * time.Second

// Retrying wraps a Store so that I/O failures are retried with a
// backoff instead of surfacing to schedule processing.  Errors
// returned by a caller's Update/Upsert function are the caller's
// decision and pass through without a retry.
type Retrying struct {
	Inner Store

	Backoff retriable.Backoff

	// Timeout bounds the retries of one call.  Zero means
	// DefaultRetryTimeout.
	Timeout time.Duration
}

// NewRetrying wraps a Store with retries.
func NewRetrying(inner Store, b retriable.Backoff) *Retrying {
	return &Retrying{Inner: inner, Backoff: b}
}

func (s *Retrying) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultRetryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// retry runs attempt until it succeeds or the call's deadline
// expires.  The last attempt's error wins over the deadline error, so
// callers see what actually went wrong.
func (s *Retrying) retry(ctx context.Context, attempt func(ctx context.Context) error) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var last error
	err := retriable.Run(ctx, s.Backoff, func(ctx context.Context) retriable.Disposition {
		if last = attempt(ctx); last == nil {
			return retriable.Succeed()
		}
		return retriable.Again()
	})
	if err != nil && last != nil {
		return last
	}
	return err
}

func (s *Retrying) Get(ctx context.Context, id string) (*schedule.Data, error) {
	var d *schedule.Data
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.Inner.Get(ctx, id)
		return err
	})
	return d, err
}

func (s *Retrying) List(ctx context.Context) ([]*schedule.Data, error) {
	var list []*schedule.Data
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		list, err = s.Inner.List(ctx)
		return err
	})
	return list, err
}

func (s *Retrying) Group(ctx context.Context, group string) ([]*schedule.Data, error) {
	var list []*schedule.Data
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		list, err = s.Inner.Group(ctx, group)
		return err
	})
	return list, err
}

func (s *Retrying) Update(ctx context.Context, id string, fn func(*schedule.Data) error) (*schedule.Data, error) {
	var (
		updated *schedule.Data
		fnErr   error
	)
	rctx, cancel := s.bound(ctx)
	defer cancel()
	var last error
	err := retriable.Run(rctx, s.Backoff, func(ctx context.Context) retriable.Disposition {
		fnErr = nil
		var err error
		updated, err = s.Inner.Update(ctx, id, func(d *schedule.Data) error {
			fnErr = fn(d)
			return fnErr
		})
		if err == nil {
			return retriable.Succeed()
		}
		if fnErr != nil && err == fnErr {
			return retriable.Stop()
		}
		last = err
		return retriable.Again()
	})
	switch {
	case err == nil:
		return updated, nil
	case fnErr != nil && err == retriable.Cancelled:
		return nil, fnErr
	case last != nil:
		return nil, last
	}
	return nil, err
}

func (s *Retrying) Upsert(ctx context.Context, id string, fn func(existing *schedule.Data) (*schedule.Data, error)) (*schedule.Data, error) {
	var (
		written *schedule.Data
		fnErr   error
	)
	rctx, cancel := s.bound(ctx)
	defer cancel()
	var last error
	err := retriable.Run(rctx, s.Backoff, func(ctx context.Context) retriable.Disposition {
		fnErr = nil
		var err error
		written, err = s.Inner.Upsert(ctx, id, func(existing *schedule.Data) (*schedule.Data, error) {
			var d *schedule.Data
			d, fnErr = fn(existing)
			return d, fnErr
		})
		if err == nil {
			return retriable.Succeed()
		}
		if fnErr != nil && err == fnErr {
			return retriable.Stop()
		}
		last = err
		return retriable.Again()
	})
	switch {
	case err == nil:
		return written, nil
	case fnErr != nil && err == retriable.Cancelled:
		return nil, fnErr
	case last != nil:
		return nil, last
	}
	return nil, err
}

func (s *Retrying) Delete(ctx context.Context, ids ...string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.Inner.Delete(ctx, ids...)
	})
}

func (s *Retrying) DeleteGroup(ctx context.Context, group string) ([]string, error) {
	var deleted []string
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.Inner.DeleteGroup(ctx, group)
		return err
	})
	return deleted, err
}

func (s *Retrying) DeleteAll(ctx context.Context) ([]string, error) {
	var deleted []string
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.Inner.DeleteAll(ctx)
		return err
	})
	return deleted, err
}

func (s *Retrying) Close() error {
	return s.Inner.Close()
}
