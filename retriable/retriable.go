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

// Package retriable runs a unit of asynchronous work with an
// exponential, jittered backoff.
//
// There is no fixed attempt ceiling.  Callers that want one compose
// it with a context deadline, which cancels the run.  A work function
// can also cancel directly, which is distinct from exhausting a
// deadline.
//
// The automation store adapter and the audience evaluator's remote
// tag lookups use this; the engine's state machine itself does not.
package retriable

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Cancelled is returned by Run when the work cancels itself.
var Cancelled = errors.New("cancelled")

// Status is the outcome of one attempt.
type Status int

const (
	// Success stops the run.
	Success Status = iota
	// Retry re-invokes the work after a backoff delay.
	Retry
	// Cancel stops retrying immediately.
	Cancel
)

// Disposition is a Status plus an optional minimum delay before the
// next attempt.
type Disposition struct {
	Status     Status
	RetryAfter time.Duration
}

// Succeed reports a successful attempt.
func Succeed() Disposition { return Disposition{Status: Success} }

// Again requests a retry with the default backoff.
func Again() Disposition { return Disposition{Status: Retry} }

// AgainAfter requests a retry no sooner than d from now.
func AgainAfter(d time.Duration) Disposition {
	return Disposition{Status: Retry, RetryAfter: d}
}

// Stop cancels the run.
func Stop() Disposition { return Disposition{Status: Cancel} }

// Work is one retriable unit of work.
type Work func(ctx context.Context) Disposition

// Backoff clamps retry delays to [Min, Max].
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff is used when a zero Backoff is given to Run.
var DefaultBackoff = Backoff{
	Min: time.Second,
	Max: time.Minute,
}

// delay computes the wait before the given (0-based) retry, with
// half-width jitter.
func (b Backoff) delay(retry int, atLeast time.Duration) time.Duration {
	d := b.Min << uint(retry)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	if d < atLeast {
		d = atLeast
	}
	// Jitter in [d/2, d).
	half := d / 2
	if half > 0 {
		d = half + time.Duration(rand.Int63n(int64(half)))
	}
	return d
}

// Run invokes the work until it succeeds, cancels, or the context is
// done.
func Run(ctx context.Context, b Backoff, w Work) error {
	if b.Min <= 0 {
		b.Min = DefaultBackoff.Min
	}
	if b.Max < b.Min {
		b.Max = DefaultBackoff.Max
		if b.Max < b.Min {
			b.Max = b.Min
		}
	}

	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		disposition := w(ctx)
		switch disposition.Status {
		case Success:
			return nil
		case Cancel:
			return Cancelled
		}

		timer := time.NewTimer(b.delay(retry, disposition.RetryAfter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
