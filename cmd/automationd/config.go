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
	"encoding/json"
	"os"

	"github.com/jsccast/yaml"

	"github.com/mobium/automation/audience"
	"github.com/mobium/automation/freqlimit"
	"github.com/mobium/automation/schedule"
)

// Config is automationd's YAML configuration.
//
// Example:
//
//	db: automation.db
//	preparetimeout: 30
//	device:
//	  notifications_opt_in: true
//	  locale: en-US
//	  app_version: "2.4.0"
//	  tags: [beta]
//	constraints:
//	  - id: global
//	    range: 3600
//	    count: 10
//	schedules:
//	  - id: welcome
//	    type: actions
//	    limit: 1
//	    triggers:
//	      - id: t
//	        type: app_foreground
//	        goal: 1
//	    data: {"script": "_.log('welcome')"}
//	remote:
//	  url: https://example.com/automation.json
//	  cron: "*/5 * * * *"
type Config struct {
	// DB is the bbolt filename.  Empty means in-memory only.
	DB string `yaml:"db"`

	Verbose bool `yaml:"verbose"`

	// PrepareTimeout bounds delegate preparation, in seconds.
	PrepareTimeout float64 `yaml:"preparetimeout"`

	// Libraries is a directory served to actions scripts'
	// "requires".
	Libraries string `yaml:"libraries"`

	// Device is the local device state for audience checks,
	// decoded into audience.DeviceState.
	Device interface{} `yaml:"device"`

	// Constraints and Schedules are decoded into their
	// JSON-tagged types.
	Constraints interface{} `yaml:"constraints"`
	Schedules   interface{} `yaml:"schedules"`

	Remote struct {
		// URL is polled per Cron.
		URL  string `yaml:"url"`
		Cron string `yaml:"cron"`

		// WS streams pushed payloads.
		WS string `yaml:"ws"`
	} `yaml:"remote"`
}

// LoadConfig reads and parses the YAML configuration file.
func LoadConfig(filename string) (*Config, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var conf Config
	if err := yaml.Unmarshal(bs, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// decodeVia moves YAML-parsed data into a JSON-tagged struct.  The
// YAML parser gives map[string]interface{}, so a JSON round trip is
// enough.
func decodeVia(x interface{}, target interface{}) error {
	if x == nil {
		return nil
	}
	js, err := json.Marshal(x)
	if err != nil {
		return err
	}
	return json.Unmarshal(js, target)
}

// DeviceState decodes the configured device state, or nil.
func (c *Config) DeviceState() (*audience.DeviceState, error) {
	if c.Device == nil {
		return nil, nil
	}
	var state audience.DeviceState
	if err := decodeVia(c.Device, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// FrequencyConstraints decodes the configured constraints.
func (c *Config) FrequencyConstraints() ([]freqlimit.Constraint, error) {
	var constraints []freqlimit.Constraint
	if err := decodeVia(c.Constraints, &constraints); err != nil {
		return nil, err
	}
	return constraints, nil
}

// InitialSchedules decodes the configured schedules.
func (c *Config) InitialSchedules() ([]*schedule.Schedule, error) {
	var schedules []*schedule.Schedule
	if err := decodeVia(c.Schedules, &schedules); err != nil {
		return nil, err
	}
	return schedules, nil
}
