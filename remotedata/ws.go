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
	"log"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/mobium/automation/retriable"
)

// WebSocketSource streams payloads pushed over a WebSocket.
type WebSocketSource struct {
	URL string

	Handler Handler

	// Backoff paces reconnects.
	Backoff retriable.Backoff

	Verbose bool
}

func (s *WebSocketSource) logf(format string, args ...interface{}) {
	if s.Verbose {
		log.Printf("WebSocketSource."+format, args...)
	}
}

// Run connects and consumes payloads until the context is cancelled,
// reconnecting after failures.
func (s *WebSocketSource) Run(ctx context.Context) error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return err
	}

	return retriable.Run(ctx, s.Backoff, func(ctx context.Context) retriable.Disposition {
		if err := s.session(ctx, u.String()); err != nil {
			if ctx.Err() != nil {
				return retriable.Stop()
			}
			log.Printf("WebSocketSource.Run session: %v", err)
		}
		return retriable.Again()
	})
}

// session runs one connection to completion.
func (s *WebSocketSource) session(ctx context.Context, url string) error {
	s.logf("connecting %s", url)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, bs, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(bs) == 0 {
			continue
		}
		s.logf("heard %s", bs)

		var payload Payload
		if err := json.Unmarshal(bs, &payload); err != nil {
			log.Printf("WebSocketSource.session unmarshal: %v", err)
			continue
		}
		if err := Apply(ctx, s.Handler, &payload); err != nil {
			log.Printf("WebSocketSource.session apply: %v", err)
		}
	}
}
