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

// Package trigger converts application events into trigger progress
// and trigger-met signals.
package trigger

import (
	"github.com/mobium/automation/schedule"
)

// EventType names a trigger-relevant occurrence.
type EventType string

const (
	EventAppInit       EventType = "app_init"
	EventAppForeground EventType = "app_foreground"
	EventAppBackground EventType = "app_background"
	EventCustom        EventType = "custom_event"
	EventRegionEnter   EventType = "region_enter"
	EventRegionExit    EventType = "region_exit"
	EventScreenView    EventType = "screen_view"
	EventVersionUpdate EventType = "version_update"
	EventSessionStart  EventType = "session_start"
)

// Event is a single trigger-relevant occurrence.
//
// Data carries the payload that trigger predicates are matched
// against.  Name deduplicates state-style events (the version for
// version updates, the session id for session starts).
type Event struct {
	Type  EventType   `json:"type"`
	Name  string      `json:"name,omitempty"`
	Value float64     `json:"value,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Foreground makes an app-foreground event.
func Foreground() *Event { return &Event{Type: EventAppForeground} }

// Background makes an app-background event.
func Background() *Event { return &Event{Type: EventAppBackground} }

// AppInit makes an app-init event.
func AppInit() *Event { return &Event{Type: EventAppInit} }

// Custom makes a custom event.  The props (may be nil) are merged
// with the event's name and value into the predicate payload.
func Custom(name string, value float64, props map[string]interface{}) *Event {
	data := map[string]interface{}{
		"name":  name,
		"value": value,
	}
	for p, v := range props {
		data[p] = v
	}
	return &Event{
		Type:  EventCustom,
		Name:  name,
		Value: value,
		Data:  data,
	}
}

// RegionEnter makes a region-enter event.
func RegionEnter(regionID string) *Event {
	return &Event{
		Type: EventRegionEnter,
		Name: regionID,
		Data: map[string]interface{}{"region_id": regionID},
	}
}

// RegionExit makes a region-exit event.
func RegionExit(regionID string) *Event {
	return &Event{
		Type: EventRegionExit,
		Name: regionID,
		Data: map[string]interface{}{"region_id": regionID},
	}
}

// ScreenView makes a screen-view event.
func ScreenView(screen string) *Event {
	return &Event{
		Type: EventScreenView,
		Name: screen,
		Data: map[string]interface{}{"screen": screen},
	}
}

// VersionUpdate makes a version-update event.
func VersionUpdate(version string) *Event {
	return &Event{
		Type: EventVersionUpdate,
		Name: version,
		Data: map[string]interface{}{"version": version},
	}
}

// SessionStart makes an active-session event for the given session
// id.
func SessionStart(sessionID string) *Event {
	return &Event{
		Type: EventSessionStart,
		Name: sessionID,
	}
}

// matches reports whether a trigger's type counts this event's type.
func matches(t schedule.TriggerType, e EventType) bool {
	switch t {
	case schedule.TriggerAppInit:
		return e == EventAppInit
	case schedule.TriggerAppForeground:
		return e == EventAppForeground
	case schedule.TriggerAppBackground:
		return e == EventAppBackground
	case schedule.TriggerCustomEventCount, schedule.TriggerCustomEventValue:
		return e == EventCustom
	case schedule.TriggerRegionEnter:
		return e == EventRegionEnter
	case schedule.TriggerRegionExit:
		return e == EventRegionExit
	case schedule.TriggerScreenView:
		return e == EventScreenView
	case schedule.TriggerVersionUpdate:
		return e == EventVersionUpdate
	case schedule.TriggerActiveSession:
		return e == EventSessionStart
	default:
		return false
	}
}

// weight is the increment this event contributes to a matching
// trigger.
func weight(t schedule.TriggerType, e *Event) float64 {
	if t == schedule.TriggerCustomEventValue {
		return e.Value
	}
	return 1
}

// stateful reports whether the trigger type deduplicates by the
// event's Name rather than counting every occurrence.
func stateful(t schedule.TriggerType) bool {
	return t == schedule.TriggerVersionUpdate || t == schedule.TriggerActiveSession
}
