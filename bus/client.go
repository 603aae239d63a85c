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

package bus

import (
	"log"
	"sync"
	"time"

	"github.com/caffenet/fleet/util"
)

// link is one physical session with a broker.  The production
// implementation wraps Paho (see paho.go); tests substitute a fake
// to exercise reconnection and replay without a broker.
type link interface {
	Connect() error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(pattern string, qos byte) error
	Disconnect(quiesce uint)
	IsConnected() bool
}

type subscription struct {
	pattern string
	qos     byte
}

// Client is one logical connection to one message bus.
//
// A Client whose reconnection attempts are exhausted is dead: it
// reports the failure once (OnFatal) and stays down until a caller
// asks the Registry for a fresh connection.
type Client struct {
	Name string

	// OnFatal, if set, is called once when reconnection attempts
	// are exhausted.  Called off the client's locks.
	OnFatal func(err error)

	policy Policy
	link   link
	router *router

	mu           sync.Mutex
	subs         []subscription // replayed verbatim after reconnect
	connected    bool
	reconnecting bool
	closed       bool
}

func newClient(name string, policy Policy, l link) *Client {
	c := &Client{
		Name:   name,
		policy: policy,
		link:   l,
		router: newRouter(),
	}
	// Handler panics become published error events rather than
	// dispatch-loop crashes.
	c.router.errs = func(topic string, payload []byte) {
		if err := c.Publish(topic, payload, policy.QoS); err != nil {
			log.Printf("bus: client %s could not publish error event: %s", name, err)
		}
	}
	return c
}

// connect performs the initial connection and the online
// announcement.  Used by the Registry.
func (c *Client) connect() error {
	if err := c.link.Connect(); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.announce()
	return nil
}

// announce publishes the retained "online" status that complements
// the broker-held last will.
func (c *Client) announce() {
	err := c.link.Publish(WillTopic(c.Name), c.policy.QoS, true, []byte(StatusOnline))
	if err != nil {
		log.Printf("bus: client %s online announcement failed: %s", c.Name, err)
	}
}

// Publish sends one message.  Publishing while disconnected fails
// fast with ErrNotConnected; nothing is queued.
func (c *Client) Publish(topic string, payload []byte, qos byte) error {
	return c.publish(topic, payload, qos, false)
}

// PublishRetained sends one message the broker keeps for late
// subscribers.
func (c *Client) PublishRetained(topic string, payload []byte, qos byte) error {
	return c.publish(topic, payload, qos, true)
}

func (c *Client) publish(topic string, payload []byte, qos byte, retained bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()
	return c.link.Publish(topic, qos, retained, payload)
}

// Subscribe registers a pattern and handler.  The subscription is
// recorded so it can be replayed verbatim after every reconnection.
func (c *Client) Subscribe(pattern string, h Handler) error {
	if err := c.router.register(pattern, h); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.subs = append(c.subs, subscription{pattern, c.policy.QoS})
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil // issued on (re)connect
	}
	return c.link.Subscribe(pattern, c.policy.QoS)
}

// dispatch routes one inbound message.  Wired to the link's message
// callback; runs on the link's delivery goroutine, so per-topic
// arrival order is preserved.
func (c *Client) dispatch(topic string, payload []byte) {
	c.router.dispatch(topic, payload)
}

// connectionLost is wired to the link's lost callback.  At most one
// reconnection loop runs per client.
func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	log.Printf("bus: client %s lost connection: %v", c.Name, err)
	go c.reconnect()
}

// reconnect retries with exponential backoff (base * 2^attempt) up
// to MaxAttempts, then reports a fatal connection error.  After a
// successful reconnection every recorded subscription is re-issued
// before publishes resume.
func (c *Client) reconnect() {
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		time.Sleep(c.policy.BackoffBase << uint(attempt))
		c.mu.Lock()
		if c.closed {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.link.Connect(); err != nil {
			log.Printf("bus: client %s reconnect attempt %d failed: %s",
				c.Name, attempt+1, err)
			continue
		}
		c.replay()
		c.mu.Lock()
		c.connected = true
		c.reconnecting = false
		c.mu.Unlock()
		c.announce()
		log.Printf("bus: client %s reconnected after %d attempt(s)", c.Name, attempt+1)
		return
	}
	c.mu.Lock()
	c.reconnecting = false
	fatal := c.OnFatal
	c.mu.Unlock()
	log.Printf("bus: FATAL: client %s: %s", c.Name, ErrRetriesExhausted)
	if fatal != nil {
		fatal(ErrRetriesExhausted)
	}
}

func (c *Client) replay() {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, s := range subs {
		if err := c.link.Subscribe(s.pattern, s.qos); err != nil {
			log.Printf("bus: client %s could not replay subscription %q: %s",
				c.Name, s.pattern, err)
			continue
		}
		util.Logf("bus: client %s replayed subscription %q", c.Name, s.pattern)
	}
}

// Healthy reports whether the client is usable or on its way back
// (reconnecting).  The Registry reuses healthy clients only.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && (c.connected || c.reconnecting)
}

// Close disconnects cleanly.  The broker does not publish the last
// will for a clean disconnect, so the offline status is published
// explicitly first.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	connected := c.connected
	c.connected = false
	c.mu.Unlock()
	if connected {
		if err := c.link.Publish(WillTopic(c.Name), c.policy.QoS, true, []byte(StatusOffline)); err != nil {
			log.Printf("bus: client %s offline announcement failed: %s", c.Name, err)
		}
	}
	c.link.Disconnect(100)
}
