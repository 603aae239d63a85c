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

// Package bridge forwards traffic between two message buses, one
// pattern list per side, rewriting topic prefixes as messages cross.
//
// Loops are broken two ways.  JSON object payloads are stamped with
// the bridge's id under the "via" key before forwarding, and a
// message already carrying our id is dropped on sight.  Payloads
// that cannot carry the stamp rely on the prefixes: a forwarded
// message lands under the far side's prefix, which the near side's
// subscriptions do not cover, so New refuses two sides with the same
// prefix.
package bridge

import (
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/caffenet/fleet/bus"
)

var ErrSamePrefix = errors.New("bridge sides must use distinct topic prefixes")

// Side is one end of the bridge.
type Side struct {
	Name     string
	Bus      bus.Bus
	Patterns []string // subscriptions on this side's bus
	Prefix   string   // topic prefix owned by this side, e.g. "site-a/"
	QoS      byte
}

// Bridge is a bidirectional forwarder between two buses.
type Bridge struct {
	id   string
	a, b Side
}

// New builds a bridge.  The id must be unique among cooperating
// bridges; it is what the loop guard stamps into payloads.
func New(id string, a, b Side) (*Bridge, error) {
	if id == "" {
		return nil, errors.New("bridge id required")
	}
	if a.Prefix == b.Prefix {
		return nil, ErrSamePrefix
	}
	return &Bridge{id: id, a: a, b: b}, nil
}

// Start subscribes both sides.  Subscription failures abort the
// start; forwarding failures after that are logged and skipped so
// one bad publish does not stall the stream.
func (br *Bridge) Start() error {
	if err := br.subscribeSide(br.a, br.b); err != nil {
		return err
	}
	return br.subscribeSide(br.b, br.a)
}

func (br *Bridge) subscribeSide(from, to Side) error {
	for _, pattern := range from.Patterns {
		p := pattern
		err := from.Bus.Subscribe(p, func(topic string, payload []byte) {
			br.forward(from, to, topic, payload)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (br *Bridge) forward(from, to Side, topic string, payload []byte) {
	stamped, seen := br.stamp(payload)
	if seen {
		return
	}
	out := to.Prefix + strings.TrimPrefix(topic, from.Prefix)
	if err := to.Bus.Publish(out, stamped, to.QoS); err != nil {
		log.Printf("bridge %s: could not forward %s to %s on %s: %s",
			br.id, topic, out, to.Name, err)
	}
}

// stamp adds the loop marker to JSON object payloads and reports
// whether the payload already carried our marker.  Other payload
// shapes pass through untouched.
func (br *Bridge) stamp(payload []byte) ([]byte, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload, false
	}
	if via, _ := obj["via"].(string); via == br.id {
		return nil, true
	}
	obj["via"] = br.id
	stamped, err := json.Marshal(obj)
	if err != nil {
		return payload, false
	}
	return stamped, false
}
