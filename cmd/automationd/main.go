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

// Package main is automationd, a daemon that runs the automation
// engine against events arriving on stdin or over MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobium/automation/actions"
	"github.com/mobium/automation/audience"
	"github.com/mobium/automation/engine"
	"github.com/mobium/automation/freqlimit"
	"github.com/mobium/automation/remotedata"
	"github.com/mobium/automation/schedule"
	"github.com/mobium/automation/store"
)

func main() {

	var (
		coupling   = flag.String("io", "std", `IO protocol: "std" or "mq"`)
		configFile = flag.String("config", "", "Optional YAML configuration filename")
		dbFile     = flag.String("db", "", "bbolt filename (overrides config; empty with no config means in-memory)")
		verbose    = flag.Bool("v", false, "Verbose")
		help       = flag.Bool("h", false, "Get usage")
	)

	flag.Parse()

	if *help {
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n-io mq:\n\n")
		_, fs := NewMQTTCoupling(nil)
		fs.PrintDefaults()
		os.Exit(0)
	}

	conf := &Config{}
	if *configFile != "" {
		var err error
		if conf, err = LoadConfig(*configFile); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *dbFile != "" {
		conf.DB = *dbFile
	}
	if *verbose {
		conf.Verbose = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		schedules store.Store
		limitsDB  freqlimit.Store
	)
	if conf.DB != "" {
		b, err := store.NewBolt(conf.DB)
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		b.Debug = conf.Verbose
		defer b.Close()
		schedules = b
		if limitsDB, err = freqlimit.NewBoltStore(b.DB()); err != nil {
			log.Fatalf("limits store: %v", err)
		}
	} else {
		schedules = store.NewMem()
	}

	limits, err := freqlimit.NewChecker(ctx, limitsDB)
	if err != nil {
		log.Fatalf("limits: %v", err)
	}
	if constraints, err := conf.FrequencyConstraints(); err != nil {
		log.Fatalf("constraints: %v", err)
	} else if len(constraints) > 0 {
		if err := limits.SetConstraints(ctx, constraints); err != nil {
			log.Fatalf("constraints: %v", err)
		}
	}

	var checker *audience.Evaluator
	if state, err := conf.DeviceState(); err != nil {
		log.Fatalf("device: %v", err)
	} else if state != nil {
		checker = &audience.Evaluator{Provider: audience.NewStatic(*state)}
	}

	runner := &actions.Runner{}
	if conf.Libraries != "" {
		runner.Libraries = actions.MakeFileLibraryProvider(conf.Libraries)
	}

	var mq *MQTTCoupling
	if *coupling == "mq" || *coupling == "mqtt" {
		mq, _ = NewMQTTCoupling(flag.Args())
		runner.Emit = mq.Emit
	} else {
		runner.Emit = func(scheduleID string, x interface{}) {
			fmt.Printf(`{"emitted":%s,"scheduleId":%s}`+"\n", js(x), js(scheduleID))
		}
	}

	display := &displayDelegate{}

	e, err := engine.New(engine.Config{
		Store: schedules,
		Delegates: engine.Delegates{
			schedule.TypeActions:      runner,
			schedule.TypeInAppMessage: display,
			schedule.TypeDeferred:     display,
		},
		Audience:       checker,
		Limits:         limits,
		PrepareTimeout: schedule.Seconds(conf.PrepareTimeout),
		Verbose:        conf.Verbose,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if initial, err := conf.InitialSchedules(); err != nil {
		log.Fatalf("schedules: %v", err)
	} else if len(initial) > 0 {
		if err := e.UpsertSchedules(ctx, initial); err != nil {
			log.Fatalf("schedules: %v", err)
		}
	}

	if conf.Remote.URL != "" && conf.Remote.Cron != "" {
		p := &remotedata.Poller{
			URL:     conf.Remote.URL,
			Cron:    conf.Remote.Cron,
			Handler: e,
			Verbose: conf.Verbose,
		}
		go func() {
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("poller: %v", err)
			}
		}()
	}
	if conf.Remote.WS != "" {
		ws := &remotedata.WebSocketSource{
			URL:     conf.Remote.WS,
			Handler: e,
			Verbose: conf.Verbose,
		}
		go func() {
			if err := ws.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("ws: %v", err)
			}
		}()
	}

	switch *coupling {
	case "std":
		if err := stdLoop(ctx, e); err != nil && ctx.Err() == nil {
			log.Fatalf("stdin: %v", err)
		}
		// Give in-flight executions a moment before shutdown.
		time.Sleep(100 * time.Millisecond)
	case "mq", "mqtt":
		if err := mq.Start(ctx, e); err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		defer mq.Stop()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sig:
		case <-ctx.Done():
		}
	default:
		log.Fatalf("unknown io: '%s'", *coupling)
	}
}

// displayDelegate "executes" message payloads by printing them.
type displayDelegate struct{}

func (d *displayDelegate) Prepare(ctx context.Context, s *schedule.Schedule, info *engine.PrepareInfo) engine.PrepareResult {
	return engine.PrepareReady
}

func (d *displayDelegate) IsReady(scheduleID string) engine.ReadyResult {
	return engine.Ready
}

func (d *displayDelegate) Execute(ctx context.Context, s *schedule.Schedule, info *engine.PrepareInfo) engine.ExecuteResult {
	fmt.Printf(`{"display":%s,"scheduleId":%s}`+"\n", string(s.Data), js(s.ID))
	return engine.ExecuteFinished
}

func (d *displayDelegate) Interrupt(ctx context.Context, s *schedule.Schedule) engine.InterruptBehavior {
	return engine.InterruptFinish
}
