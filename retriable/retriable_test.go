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

package retriable

import (
	"context"
	"testing"
	"time"
)

var fast = Backoff{Min: time.Millisecond, Max: 4 * time.Millisecond}

func TestRunEventualSuccess(t *testing.T) {
	attempts := 0
	err := Run(context.Background(), fast, func(ctx context.Context) Disposition {
		attempts++
		if attempts < 3 {
			return Again()
		}
		return Succeed()
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts", attempts)
	}
}

func TestRunCancel(t *testing.T) {
	attempts := 0
	err := Run(context.Background(), fast, func(ctx context.Context) Disposition {
		attempts++
		return Stop()
	})
	if err != Cancelled {
		t.Fatalf("got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("got %d attempts", attempts)
	}
}

func TestRunDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Run(ctx, fast, func(ctx context.Context) Disposition {
		return Again()
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v", err)
	}
}

func TestBackoffClamp(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 4 * time.Second}
	for retry := 0; retry < 20; retry++ {
		d := b.delay(retry, 0)
		if d < b.Min/2 || d >= b.Max {
			t.Fatalf("retry %d: delay %s out of range", retry, d)
		}
	}
	// RetryAfter raises the floor.
	if d := b.delay(0, 10*time.Second); d < 5*time.Second {
		t.Fatalf("got %s", d)
	}
}
