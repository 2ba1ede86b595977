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

// Package actions executes "actions" schedules: the payload is an
// ECMAScript program run with Goja.
//
// See https://github.com/dop251/goja.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/mobium/automation/engine"
	"github.com/mobium/automation/schedule"
)

var (
	// InterruptedMessage is the string value of Interrupted.
	InterruptedMessage = "RuntimeError: timeout"

	// Interrupted is returned when a script is cut off by its
	// deadline.
	Interrupted = errors.New(InterruptedMessage)
)

// Payload is the data carried by an actions schedule.
type Payload struct {
	// Script is the ECMAScript source to run.
	Script string `json:"script"`

	// Requires names libraries to prepend to the script.
	Requires []string `json:"requires,omitempty"`

	// Values is made available to the script at _.values.
	Values map[string]interface{} `json:"values,omitempty"`
}

// LibraryProvider resolves a library name to its source.
type LibraryProvider func(ctx context.Context, name string) (string, error)

// MakeFileLibraryProvider reads libraries from files under dir.
func MakeFileLibraryProvider(dir string) LibraryProvider {
	return func(ctx context.Context, name string) (string, error) {
		if strings.Contains(name, "..") {
			return "", fmt.Errorf("bad library name '%s'", name)
		}
		bs, err := os.ReadFile(dir + "/" + name)
		if err != nil {
			return "", err
		}
		return string(bs), nil
	}
}

// MakeMapLibraryProvider serves libraries from the given map.
func MakeMapLibraryProvider(srcs map[string]string) LibraryProvider {
	return func(ctx context.Context, name string) (string, error) {
		src, have := srcs[name]
		if !have {
			return "", fmt.Errorf("undefined library '%s'", name)
		}
		return src, nil
	}
}

// Runner is the execution delegate for actions schedules.  Prepare
// compiles the script; Execute runs it.
type Runner struct {
	// Libraries resolves Payload.Requires.  Nil means any
	// "requires" is an error.
	Libraries LibraryProvider

	// Timeout interrupts a running script.  Zero means the
	// engine's context is the only bound.
	Timeout time.Duration

	// Emit, if non-nil, receives everything the script passes to
	// out().
	Emit func(scheduleID string, x interface{})

	// Testing exposes sleep() to scripts.
	Testing bool

	sync.Mutex
	compiled map[string]*goja.Program // schedule id -> program
}

func wrapSrc(src string) string {
	return fmt.Sprintf("(function() {\n%s\n}());\n", src)
}

func (r *Runner) compile(ctx context.Context, s *schedule.Schedule) (*goja.Program, error) {
	var payload Payload
	if err := json.Unmarshal(s.Data, &payload); err != nil {
		return nil, err
	}
	if payload.Script == "" {
		return nil, errors.New("actions payload has no script")
	}

	var libsSrc string
	for _, lib := range payload.Requires {
		if r.Libraries == nil {
			return nil, fmt.Errorf("no library provider for '%s'", lib)
		}
		src, err := r.Libraries(ctx, lib)
		if err != nil {
			return nil, err
		}
		libsSrc += src + "\n"
	}

	return goja.Compile("", libsSrc+wrapSrc(payload.Script), true)
}

// Prepare compiles the script and caches the program for Execute.  A
// script that doesn't compile cancels the schedule: it will never
// work.
func (r *Runner) Prepare(ctx context.Context, s *schedule.Schedule, info *engine.PrepareInfo) engine.PrepareResult {
	p, err := r.compile(ctx, s)
	if err != nil {
		log.Printf("actions.Prepare %s: %v", s.ID, err)
		return engine.PrepareCancel
	}
	r.Lock()
	if r.compiled == nil {
		r.compiled = make(map[string]*goja.Program, 8)
	}
	r.compiled[s.ID] = p
	r.Unlock()
	return engine.PrepareReady
}

// IsReady always says yes: a compiled script has no further
// conditions of its own.
func (r *Runner) IsReady(scheduleID string) engine.ReadyResult {
	return engine.Ready
}

// Execute runs the script.  A script error counts as a finished
// execution (re-running it would just fail again); an interrupt asks
// for a retry.
func (r *Runner) Execute(ctx context.Context, s *schedule.Schedule, info *engine.PrepareInfo) engine.ExecuteResult {
	r.Lock()
	p := r.compiled[s.ID]
	delete(r.compiled, s.ID)
	r.Unlock()

	if p == nil {
		var err error
		if p, err = r.compile(ctx, s); err != nil {
			log.Printf("actions.Execute %s: %v", s.ID, err)
			return engine.ExecuteCancel
		}
	}

	if err := r.run(ctx, s, info, p); err != nil {
		if err == Interrupted {
			return engine.ExecuteRetry
		}
		log.Printf("actions.Execute %s: %v", s.ID, err)
	}
	return engine.ExecuteFinished
}

// Interrupt re-runs the script on restart rather than guessing
// whether it completed.
func (r *Runner) Interrupt(ctx context.Context, s *schedule.Schedule) engine.InterruptBehavior {
	return engine.InterruptRetry
}

func (r *Runner) run(ctx context.Context, s *schedule.Schedule, info *engine.PrepareInfo, p *goja.Program) error {
	var payload Payload
	if err := json.Unmarshal(s.Data, &payload); err != nil {
		return err
	}

	env := map[string]interface{}{
		"scheduleId":       s.ID,
		"triggerSessionId": info.TriggerSessionID,
		"values":           payload.Values,
	}

	o := goja.New()
	o.Set("_", env)

	if r.Testing {
		o.Set("sleep", func(ms int) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		})
	}

	env["out"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		var err error
		if x, err = canonicalize(x); err != nil {
			// Will end up as a Javascript exception.
			panic(err)
		}
		if r.Emit != nil {
			r.Emit(s.ID, x)
		}
		return x
	}

	env["log"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		js, err := json.Marshal(&x)
		if err != nil {
			log.Println("actions.log (can't marshal: " + err.Error() + ")")
		} else {
			log.Println(string(js))
		}
		return x
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	ictx, cancel := context.WithCancel(ctx)
	go func() {
		<-ictx.Done()
		// If run calls cancel() after RunProgram returns, we'll
		// never see this message, which is the behavior we want.
		o.Interrupt(InterruptedMessage)
	}()

	_, err := o.RunProgram(p)
	cancel()

	if err != nil {
		if _, is := err.(*goja.InterruptedError); is {
			return Interrupted
		}
		return err
	}
	return nil
}

func canonicalize(x interface{}) (interface{}, error) {
	js, err := json.Marshal(&x)
	if err != nil {
		return nil, err
	}
	var y interface{}
	if err = json.Unmarshal(js, &y); err != nil {
		return nil, err
	}
	return y, nil
}
