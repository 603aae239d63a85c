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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caffenet/fleet/util"
)

var (
	ErrBadPattern = errors.New("bad topic pattern")
)

// A pattern is an exact topic, or a topic with '+' segments (each
// matching exactly one segment), or a topic ending in '#' (matching
// one or more trailing segments).  Patterns are compiled once at
// registration; no regexps.
type route struct {
	pattern string
	segs    []string
	multi   bool // trailing '#'
	literal int  // count of leading literal segments, for precedence
	handler Handler
}

func compile(pattern string, h Handler) (*route, error) {
	if pattern == "" {
		return nil, ErrBadPattern
	}
	segs := strings.Split(pattern, "/")
	r := &route{
		pattern: pattern,
		handler: h,
	}
	literalPrefix := true
	for i, seg := range segs {
		switch {
		case seg == "#":
			if i != len(segs)-1 {
				return nil, ErrBadPattern
			}
			r.multi = true
		case seg == "+":
			literalPrefix = false
		case strings.ContainsAny(seg, "+#"):
			// Wildcards must occupy a whole segment.
			return nil, ErrBadPattern
		default:
			if literalPrefix {
				r.literal++
			}
		}
	}
	if r.multi {
		segs = segs[:len(segs)-1]
	}
	r.segs = segs
	return r, nil
}

func (r *route) matches(topic []string) bool {
	if r.multi {
		// '#' matches one or more trailing segments.
		if len(topic) <= len(r.segs) {
			return false
		}
	} else if len(topic) != len(r.segs) {
		return false
	}
	for i, seg := range r.segs {
		if seg == "+" {
			continue
		}
		if seg != topic[i] {
			return false
		}
	}
	return true
}

// Match reports whether a subscription pattern covers a topic.  It
// is exported for components (like the bridge's tests) that need the
// same semantics the router uses.
func Match(pattern, topic string) bool {
	r, err := compile(pattern, nil)
	if err != nil {
		return false
	}
	if !strings.ContainsAny(pattern, "+#") {
		return pattern == topic
	}
	return r.matches(strings.Split(topic, "/"))
}

// router dispatches inbound messages to registered handlers.
//
// An exact-topic handler always wins.  Among matching wildcard
// patterns the one with the longest literal prefix wins; ties go to
// the earliest registration.  This choice is deterministic and
// tested (see route_test.go); it never depends on map iteration.
type router struct {
	mu    sync.RWMutex
	exact map[string]Handler
	wild  []*route

	// errs receives a publishable error event when a handler
	// panics.  Typically wired to the owning client's Publish.
	errs func(topic string, payload []byte)
}

func newRouter() *router {
	return &router{
		exact: make(map[string]Handler),
	}
}

func (rt *router) register(pattern string, h Handler) error {
	if !strings.ContainsAny(pattern, "+#") {
		rt.mu.Lock()
		rt.exact[pattern] = h
		rt.mu.Unlock()
		return nil
	}
	r, err := compile(pattern, h)
	if err != nil {
		return fmt.Errorf("%w: %q", err, pattern)
	}
	rt.mu.Lock()
	rt.wild = append(rt.wild, r)
	rt.mu.Unlock()
	return nil
}

// dispatch delivers one message.  A message that matches nothing is
// dropped (debug-logged); that is not an error.
func (rt *router) dispatch(topic string, payload []byte) {
	h := rt.lookup(topic)
	if h == nil {
		util.Logf("router: no handler for %q; dropped", topic)
		return
	}
	defer func() {
		if x := recover(); x != nil {
			util.Logf("router: handler for %q panicked: %v", topic, x)
			if rt.errs != nil {
				event, _ := json.Marshal(map[string]interface{}{
					"topic":     topic,
					"error":     fmt.Sprintf("%v", x),
					"timestamp": time.Now().UnixMilli(),
				})
				rt.errs(ErrorTopic, event)
			}
		}
	}()
	h(topic, payload)
}

func (rt *router) lookup(topic string) Handler {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if h, have := rt.exact[topic]; have {
		return h
	}
	segs := strings.Split(topic, "/")
	var best *route
	for _, r := range rt.wild {
		if !r.matches(segs) {
			continue
		}
		if best == nil || r.literal > best.literal {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return best.handler
}
