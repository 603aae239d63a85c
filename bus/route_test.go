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
	"testing"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"machines/1/cassa/stato", "machines/1/cassa/stato", true},
		{"machines/1/cassa/stato", "machines/2/cassa/stato", false},
		{"machines/+/cassa/stato", "machines/7/cassa/stato", true},
		{"machines/+/cassa/stato", "machines/7/cialde/stato", false},
		{"machines/+/cassa/stato", "machines/7/cassa/stato/extra", false},
		{"machines/#", "machines/7/cassa/stato", true},
		// '#' needs at least one trailing segment.
		{"machines/#", "machines", false},
		{"#", "anything", true},
		{"clients/+/stato", "clients/machine-1/stato", true},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.topic); got != c.want {
			t.Errorf("Match(%q, %q) = %v, wanted %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestCompileRejectsBadPatterns(t *testing.T) {
	for _, pattern := range []string{
		"",
		"machines/#/cassa",  // '#' not trailing
		"machines/fo+o/bar", // wildcard inside a segment
		"machines/fo#",
	} {
		if _, err := compile(pattern, nil); err == nil {
			t.Errorf("compile(%q) should have failed", pattern)
		}
	}
}

func TestRouterExactBeatsWildcard(t *testing.T) {
	rt := newRouter()
	got := ""
	if err := rt.register("machines/+/stato", func(string, []byte) { got = "wild" }); err != nil {
		t.Fatal(err)
	}
	if err := rt.register("machines/1/stato", func(string, []byte) { got = "exact" }); err != nil {
		t.Fatal(err)
	}
	rt.dispatch("machines/1/stato", nil)
	if got != "exact" {
		t.Fatalf("got %q, wanted the exact handler", got)
	}
}

func TestRouterWildcardPrecedence(t *testing.T) {
	// Longer literal prefix wins; ties go to earliest registration.
	rt := newRouter()
	got := ""
	if err := rt.register("+/1/stato", func(string, []byte) { got = "short" }); err != nil {
		t.Fatal(err)
	}
	if err := rt.register("machines/+/stato", func(string, []byte) { got = "long" }); err != nil {
		t.Fatal(err)
	}
	if err := rt.register("machines/+/#", func(string, []byte) { got = "late" }); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		got = ""
		rt.dispatch("machines/1/stato", nil)
		if got != "long" {
			t.Fatalf("dispatch %d went to %q, wanted the longest literal prefix", i, got)
		}
	}

	// Same literal prefix length: first registration wins.
	rt2 := newRouter()
	if err := rt2.register("machines/+/stato", func(string, []byte) { got = "first" }); err != nil {
		t.Fatal(err)
	}
	if err := rt2.register("machines/+/#", func(string, []byte) { got = "second" }); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		got = ""
		rt2.dispatch("machines/1/stato", nil)
		if got != "first" {
			t.Fatalf("dispatch %d went to %q, wanted the earliest registration", i, got)
		}
	}
}

func TestRouterUnmatchedIsDropped(t *testing.T) {
	rt := newRouter()
	if err := rt.register("machines/1/stato", func(string, []byte) {
		t.Fatal("handler should not run")
	}); err != nil {
		t.Fatal(err)
	}
	rt.dispatch("machines/2/stato", nil) // must not panic
}

func TestRouterRecoversHandlerPanic(t *testing.T) {
	rt := newRouter()
	var errTopic string
	var event map[string]interface{}
	rt.errs = func(topic string, payload []byte) {
		errTopic = topic
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatal(err)
		}
	}
	if err := rt.register("machines/1/stato", func(string, []byte) {
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}
	rt.dispatch("machines/1/stato", nil)
	if errTopic != ErrorTopic {
		t.Fatalf("error event went to %q, wanted %q", errTopic, ErrorTopic)
	}
	if event["error"] != "boom" {
		t.Fatalf("error event %v missing the panic value", event)
	}
	if event["topic"] != "machines/1/stato" {
		t.Fatalf("error event %v missing the topic", event)
	}
}
