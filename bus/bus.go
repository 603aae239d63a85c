/* Copyright 2024 Caffenet, Inc.
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

// Package bus provides the publish/subscribe client layer for the
// fleet: an MQTT client with bounded reconnection and subscription
// replay, a process-wide connection registry, a topic-pattern
// router, and a WebSocket variant of the same contract.
package bus

import (
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by Publish when the underlying
	// connection is down.  Messages are never queued.
	ErrNotConnected = errors.New("not connected")

	// ErrRetriesExhausted is reported (via Client.OnFatal) after
	// the last reconnection attempt fails.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")

	// ErrClosed is returned by operations on a client that was
	// explicitly shut down.
	ErrClosed = errors.New("client closed")
)

// ErrorTopic is where dispatch failures (handler panics, malformed
// messages) are published so that a single bad message never takes
// down a dispatch loop.
const ErrorTopic = "system/errori"

// Handler processes one inbound message.  Handlers for one topic are
// invoked in arrival order on the connection's delivery goroutine.
type Handler func(topic string, payload []byte)

// Bus is the contract shared by the MQTT client and the WebSocket
// client.  Device controllers and the bridge depend only on this.
//
// PublishRetained asks the bus to keep the message for late
// subscribers; transports without a retained concept treat it as a
// plain Publish.
type Bus interface {
	Publish(topic string, payload []byte, qos byte) error
	PublishRetained(topic string, payload []byte, qos byte) error
	Subscribe(pattern string, h Handler) error
	Close()
}

// Policy is the shared connection policy applied by a Registry to
// every client it builds.
type Policy struct {
	BrokerURL string
	Username  string
	Password  string

	// TLS material.  All empty means plain TCP.
	CAFile   string
	CertFile string
	KeyFile  string
	Insecure bool

	KeepAlive    time.Duration
	CleanSession bool
	QoS          byte

	// Reconnection: sleep BackoffBase * 2^attempt between
	// attempts, up to MaxAttempts, then give up.
	BackoffBase time.Duration
	MaxAttempts int

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
}

// WillTopic is the last-will topic for a named client.  The broker
// publishes "offline" here if the client disappears uncleanly; the
// client itself publishes "online" (retained) after each successful
// connection.
func WillTopic(name string) string {
	return "clients/" + name + "/stato"
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)
