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

package remotedata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mobium/automation/retriable"
)

// Poller fetches payloads from an HTTP endpoint on a cron schedule.
type Poller struct {
	URL string

	// Cron is a cron expression ("*/5 * * * *" polls every five
	// minutes).
	Cron string

	Handler Handler

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// Backoff paces retries of a failed fetch before the next
	// scheduled poll.
	Backoff retriable.Backoff

	Verbose bool
}

func (p *Poller) logf(format string, args ...interface{}) {
	if p.Verbose {
		log.Printf("Poller."+format, args...)
	}
}

// Run polls until the context is cancelled.  The first poll happens
// immediately.
func (p *Poller) Run(ctx context.Context) error {
	expr, err := cronexpr.Parse(p.Cron)
	if err != nil {
		return err
	}

	for {
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Poller.Run poll: %v", err)
		}

		next := expr.Next(time.Now())
		p.logf("next poll at %s", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// poll fetches once, retrying transient failures, and applies the
// payload.
func (p *Poller) poll(ctx context.Context) error {
	var payload *Payload
	err := retriable.Run(ctx, p.Backoff, func(ctx context.Context) retriable.Disposition {
		got, err := p.fetch(ctx)
		if err != nil {
			p.logf("fetch: %v", err)
			return retriable.Again()
		}
		payload = got
		return retriable.Succeed()
	})
	if err != nil {
		return err
	}
	return Apply(ctx, p.Handler, payload)
}

func (p *Poller) fetch(ctx context.Context) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.URL, nil)
	if err != nil {
		return nil, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote data fetch status %s", resp.Status)
	}
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(bs, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
