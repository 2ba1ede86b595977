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

package audience

import (
	"context"
	"sync"
)

// Static is a Provider backed by a fixed (but settable) snapshot.
// Remote tags are just the local tags.
type Static struct {
	sync.Mutex

	State DeviceState
}

// NewStatic makes a Static provider with the given initial state.
func NewStatic(state DeviceState) *Static {
	return &Static{State: state}
}

func (s *Static) DeviceState(ctx context.Context) (*DeviceState, error) {
	s.Lock()
	defer s.Unlock()
	state := s.State
	state.Tags = append([]string(nil), s.State.Tags...)
	return &state, nil
}

func (s *Static) RemoteTags(ctx context.Context) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	return append([]string(nil), s.State.Tags...), nil
}

// Set replaces the snapshot.
func (s *Static) Set(state DeviceState) {
	s.Lock()
	s.State = state
	s.Unlock()
}
