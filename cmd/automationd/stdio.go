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

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mobium/automation/engine"
	"github.com/mobium/automation/schedule"
	"github.com/mobium/automation/trigger"
)

// Op is one line of the stdin protocol.  Exactly one field should be
// set.
type Op struct {
	// Event feeds an application event to the engine.
	Event *trigger.Event `json:"event,omitempty"`

	// Schedule creates a schedule.
	Schedule *schedule.Schedule `json:"schedule,omitempty"`

	Cancel      []string `json:"cancel,omitempty"`
	CancelGroup string   `json:"cancelGroup,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	Edit *EditOp `json:"edit,omitempty"`

	// Get prints a schedule record; List prints all of them.
	Get  string `json:"get,omitempty"`
	List bool   `json:"list,omitempty"`

	Pause          *bool `json:"pause,omitempty"`
	PauseExecution *bool `json:"pauseExecution,omitempty"`
}

// EditOp applies edits to a schedule.
type EditOp struct {
	ID    string          `json:"id"`
	Edits *schedule.Edits `json:"edits"`
}

// Do executes the op.
func (op *Op) Do(ctx context.Context, e *engine.Engine, out io.Writer) error {
	switch {
	case op.Event != nil:
		return e.Notify(op.Event)
	case op.Schedule != nil:
		id, err := e.Schedule(ctx, op.Schedule)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, `{"scheduled":%s}`+"\n", js(id))
		return nil
	case len(op.Cancel) > 0:
		return e.Cancel(ctx, op.Cancel...)
	case op.CancelGroup != "":
		return e.CancelGroup(ctx, op.CancelGroup)
	case len(op.Stop) > 0:
		return e.StopSchedules(ctx, op.Stop...)
	case op.Edit != nil:
		if op.Edit.Edits == nil {
			return fmt.Errorf("edit without edits")
		}
		d, err := e.Edit(ctx, op.Edit.ID, op.Edit.Edits)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, `{"edited":%s}`+"\n", js(d))
		return nil
	case op.Get != "":
		d, err := e.GetSchedule(ctx, op.Get)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, `{"schedule":%s}`+"\n", js(d))
		return nil
	case op.List:
		list, err := e.GetSchedules(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, `{"schedules":%s}`+"\n", js(list))
		return nil
	case op.Pause != nil:
		e.SetPaused(ctx, *op.Pause)
		return nil
	case op.PauseExecution != nil:
		e.SetExecutionPaused(*op.PauseExecution)
		return nil
	default:
		return fmt.Errorf("empty op")
	}
}

func js(x interface{}) string {
	bs, err := json.Marshal(x)
	if err != nil {
		return fmt.Sprintf("%#v", x)
	}
	return string(bs)
}

// stdLoop reads ops from stdin, one JSON document per line, until
// EOF.  Lines starting with # are comments.
func stdLoop(ctx context.Context, e *engine.Engine) error {
	in := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := in.ReadBytes('\n')
		if err != nil && len(line) == 0 {
			if err == io.EOF {
				return nil
			}
			return err
		}
		s := strings.TrimSpace(string(line))
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}

		var op Op
		if err := json.Unmarshal([]byte(s), &op); err != nil {
			log.Printf("bad op %s: %v", s, err)
			continue
		}
		if err := op.Do(ctx, e, os.Stdout); err != nil {
			log.Printf("op error: %v", err)
		}
	}
}
