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
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mobium/automation/engine"
	"github.com/mobium/automation/trigger"
)

// MQTTCoupling feeds events from an MQTT broker to the engine and
// publishes what actions scripts emit.
type MQTTCoupling struct {
	Client   mqtt.Client
	Quiesce  uint
	SubTopic string
	OutTopic string

	InTimeout time.Duration

	engine *engine.Engine
}

// NewMQTTCoupling builds a coupling from the given args.  With nil
// args, just the FlagSet is returned (for usage messages).
func NewMQTTCoupling(args []string) (*MQTTCoupling, *flag.FlagSet) {
	var (
		// Follow mosquitto_sub command line args.

		fs = flag.NewFlagSet("mq", flag.ExitOnError)

		broker    = fs.String("h", "tcp://localhost", "Broker hostname")
		clientId  = fs.String("i", "automationd", "Client id")
		port      = fs.Int("p", 1883, "Broker port")
		keepAlive = fs.Int("k", 10, "Keep-alive in seconds")
		userName  = fs.String("u", "", "Username")
		password  = fs.String("P", "", "Password")
		reconnect = fs.Bool("reconnect", true, "Automatically attempt to reconnect")
		clean     = fs.Bool("c", true, "Clean session")
		quiesce   = fs.Int("quiesce", 100, "Disconnection quiescence (in milliseconds)")

		subTopic  = fs.String("t", "automation/events", "Subscription topic for events")
		outTopic  = fs.String("out-topic", "automation/out", "Topic for emitted messages")
		inTimeout = fs.Duration("in-timeout", time.Second, "Timeout for in-bound queuing")
	)

	if args == nil {
		return nil, fs
	}

	fs.Parse(args)

	mqtt.ERROR = log.New(os.Stderr, "mqtt.error", 0)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s:%d", *broker, *port))
	opts.SetClientID(*clientId)
	opts.SetKeepAlive(time.Second * time.Duration(*keepAlive))
	opts.Username = *userName
	opts.Password = *password
	opts.AutoReconnect = *reconnect
	opts.CleanSession = *clean
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost")
	}

	c := &MQTTCoupling{
		Quiesce:   uint(*quiesce),
		SubTopic:  *subTopic,
		OutTopic:  *outTopic,
		InTimeout: *inTimeout,
	}

	opts.DefaultPublishHandler = func(client mqtt.Client, msg mqtt.Message) {
		c.inHandler(client, msg)
	}

	c.Client = mqtt.NewClient(opts)

	return c, fs
}

// inHandler parses a broker message as an event and hands it to the
// engine.
func (c *MQTTCoupling) inHandler(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("incoming: %s %s", msg.Topic(), payload)

	var event trigger.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("couldn't parse event %s: %v", payload, err)
		return
	}
	if c.engine == nil {
		return
	}
	if err := c.engine.Notify(&event); err != nil {
		log.Printf("notify: %v", err)
	}
}

// Emit publishes a message emitted by an actions script.  Shaped to
// plug into actions.Runner.Emit.
func (c *MQTTCoupling) Emit(scheduleID string, x interface{}) {
	msg := map[string]interface{}{
		"scheduleId": scheduleID,
		"payload":    x,
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		log.Printf("couldn't marshal emitted %#v", x)
		return
	}
	token := c.Client.Publish(c.OutTopic, 0, false, bs)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("publish error: %v", err)
	}
}

// Start connects and subscribes.
func (c *MQTTCoupling) Start(ctx context.Context, e *engine.Engine) error {
	c.engine = e
	log.Printf("Attempting to connect to broker")
	if token := c.Client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("Connected to broker")

	for _, topic := range strings.Split(c.SubTopic, ",") {
		if topic == "" {
			continue
		}
		log.Printf("Subscribing to %s", topic)
		if t := c.Client.Subscribe(topic, 0, nil); t.Wait() && t.Error() != nil {
			return t.Error()
		}
	}
	return nil
}

// Stop terminates the MQTT session.
func (c *MQTTCoupling) Stop() {
	log.Printf("Disconnecting")
	c.Client.Disconnect(c.Quiesce)
}
