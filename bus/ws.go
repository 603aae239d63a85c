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
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// wsFrame is the wire format spoken with a WebSocket pub/sub
// gateway.  "pub" carries topic+payload in either direction; "sub"
// asks the gateway to start forwarding a pattern to us.
type wsFrame struct {
	Op      string          `json:"op"` // "pub" or "sub"
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSClient implements Bus over a WebSocket gateway.  It is the
// browser-facing side of a bridge; device traffic stays on MQTT.
type WSClient struct {
	url    string
	router *router

	writeMu sync.Mutex // gorilla allows one concurrent writer
	conn    *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// DialWS connects to a WebSocket gateway.  The read loop starts
// immediately; inbound "pub" frames are dispatched through the same
// router semantics the MQTT client uses.
func DialWS(url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &WSClient{
		url:    url,
		router: newRouter(),
		conn:   conn,
	}
	c.router.errs = func(topic string, payload []byte) {
		if err := c.Publish(topic, payload, 0); err != nil {
			log.Printf("bus: ws %s could not publish error event: %s", url, err)
		}
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	for {
		_, bs, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.closed = true
			c.mu.Unlock()
			if !closed {
				log.Printf("bus: ws %s read loop ended: %s", c.url, err)
			}
			return
		}
		var f wsFrame
		if err := json.Unmarshal(bs, &f); err != nil {
			log.Printf("bus: ws %s dropped unparseable frame: %s", c.url, err)
			continue
		}
		if f.Op != "pub" || f.Topic == "" {
			continue
		}
		c.router.dispatch(f.Topic, []byte(f.Payload))
	}
}

func (c *WSClient) write(f wsFrame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()
	js, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, js)
}

// Publish sends one message to the gateway.  QoS is accepted for
// interface symmetry; the gateway offers none.
func (c *WSClient) Publish(topic string, payload []byte, qos byte) error {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		// Non-JSON payloads travel as JSON strings.
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return err
		}
		raw = quoted
	}
	return c.write(wsFrame{Op: "pub", Topic: topic, Payload: raw})
}

// PublishRetained behaves like Publish; the gateway keeps no
// retained messages.
func (c *WSClient) PublishRetained(topic string, payload []byte, qos byte) error {
	return c.Publish(topic, payload, qos)
}

func (c *WSClient) Subscribe(pattern string, h Handler) error {
	if err := c.router.register(pattern, h); err != nil {
		return err
	}
	return c.write(wsFrame{Op: "sub", Topic: pattern})
}

func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if err := c.conn.Close(); err != nil {
		log.Printf("bus: ws %s close: %s", c.url, err)
	}
}
