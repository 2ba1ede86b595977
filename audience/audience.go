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

// Package audience evaluates a schedule's audience specification
// against device state.
//
// All configured sub-predicates are ANDed; an absent sub-predicate
// means "don't care".  Tag selectors may need a remote snapshot of
// the device's tags; the lookup is bounded by a timeout and degrades
// to the locally known tags on failure, so evaluation never blocks
// indefinitely.
package audience

import (
	"context"
	"strings"
	"time"

	"github.com/mobium/automation/predicate"
	"github.com/mobium/automation/retriable"
	"github.com/mobium/automation/schedule"
)

// DeviceState is a snapshot of locally known device and user
// attributes.
type DeviceState struct {
	NotificationsOptIn bool
	LocationOptIn      bool

	// Locale is a BCP-47-ish tag like "en-US".
	Locale string

	AppVersion string

	// Tags are the locally known device tags, the fallback when a
	// remote lookup fails.
	Tags []string
}

// Provider supplies device state.  DeviceState must be cheap and
// local; RemoteTags may hit the network and fail.
type Provider interface {
	DeviceState(ctx context.Context) (*DeviceState, error)
	RemoteTags(ctx context.Context) ([]string, error)
}

// Verdict is the outcome of an audience evaluation.  When Matched is
// false, Miss carries the schedule's configured miss behavior.
type Verdict struct {
	Matched bool
	Miss    schedule.MissBehavior
}

// Evaluator checks audiences against a Provider.
type Evaluator struct {
	Provider Provider

	// LookupTimeout bounds the remote tag lookup.  Zero means
	// DefaultLookupTimeout.
	LookupTimeout time.Duration

	// Backoff paces lookup retries inside the timeout.
	Backoff retriable.Backoff
}

// DefaultLookupTimeout bounds remote tag lookups when the Evaluator
// doesn't say otherwise.
var DefaultLookupTimeout = 30 * time.Second

// Evaluate checks the audience.  A nil audience always matches.
//
// Only infrastructure problems (no device state at all) surface as
// errors; a failed remote tag lookup degrades to local tags.
func (e *Evaluator) Evaluate(ctx context.Context, a *schedule.Audience) (*Verdict, error) {
	if a == nil {
		return &Verdict{Matched: true}, nil
	}

	miss := &Verdict{Miss: a.Behavior()}

	state, err := e.Provider.DeviceState(ctx)
	if err != nil {
		return nil, err
	}

	if a.NotificationsOptIn != nil && *a.NotificationsOptIn != state.NotificationsOptIn {
		return miss, nil
	}
	if a.LocationOptIn != nil && *a.LocationOptIn != state.LocationOptIn {
		return miss, nil
	}
	if len(a.Languages) > 0 && !languageMatch(a.Languages, state.Locale) {
		return miss, nil
	}

	if a.VersionPredicate != nil {
		matched, err := matchVersion(a.VersionPredicate, state.AppVersion)
		if err != nil {
			return nil, err
		}
		if !matched {
			return miss, nil
		}
	}

	if a.Tags != nil {
		tags := e.lookupTags(ctx, state)
		if !EvalTagSelector(a.Tags, tags) {
			return miss, nil
		}
	}

	return &Verdict{Matched: true}, nil
}

// lookupTags fetches the freshest tags it can within the timeout.
func (e *Evaluator) lookupTags(ctx context.Context, state *DeviceState) []string {
	timeout := e.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var tags []string
	err := retriable.Run(ctx, e.Backoff, func(ctx context.Context) retriable.Disposition {
		ts, err := e.Provider.RemoteTags(ctx)
		if err != nil {
			return retriable.Again()
		}
		tags = ts
		return retriable.Succeed()
	})
	if err != nil {
		// Best effort: evaluate with what we have.
		return state.Tags
	}
	return tags
}

// matchVersion accepts either a constraint string ("1.2.+",
// "[1.0,2.0]") or a predicate pattern matched against the version.
func matchVersion(p interface{}, version string) (bool, error) {
	if constraint, is := p.(string); is {
		return predicate.MatchVersion(constraint, version)
	}
	return predicate.Match(p, version)
}

// languageMatch reports whether the locale's language (or the whole
// locale) is a member.
func languageMatch(languages []string, locale string) bool {
	lang := locale
	if i := strings.IndexAny(locale, "-_"); i >= 0 {
		lang = locale[:i]
	}
	for _, member := range languages {
		if strings.EqualFold(member, locale) || strings.EqualFold(member, lang) {
			return true
		}
	}
	return false
}

// EvalTagSelector evaluates a tag selector expression against a tag
// set.  An empty selector (no fields set) matches.
func EvalTagSelector(sel *schedule.TagSelector, tags []string) bool {
	if sel == nil {
		return true
	}
	switch {
	case sel.Tag != "":
		for _, tag := range tags {
			if tag == sel.Tag {
				return true
			}
		}
		return false
	case sel.Not != nil:
		return !EvalTagSelector(sel.Not, tags)
	case len(sel.And) > 0:
		for _, child := range sel.And {
			if !EvalTagSelector(child, tags) {
				return false
			}
		}
		return true
	case len(sel.Or) > 0:
		for _, child := range sel.Or {
			if EvalTagSelector(child, tags) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
