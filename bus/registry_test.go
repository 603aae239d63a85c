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
	"testing"
	"time"
)

func TestRegistryReusesHealthyClient(t *testing.T) {
	r := NewRegistry(testPolicy())
	l := &fakeLink{}
	c := newClient("m1", r.policy, l)
	if err := c.connect(); err != nil {
		t.Fatal(err)
	}
	r.clients["m1"] = c

	got, err := r.GetOrCreate("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got != c {
		t.Fatal("healthy client was not reused")
	}
}

func TestRegistryClosesReplacedClient(t *testing.T) {
	// Nothing listens on port 1, so building the replacement fails;
	// the dead client must still have been released first.
	r := NewRegistry(Policy{
		BrokerURL:      "tcp://127.0.0.1:1",
		BackoffBase:    time.Millisecond,
		MaxAttempts:    1,
		ConnectTimeout: 100 * time.Millisecond,
	})
	l := &fakeLink{}
	old := newClient("m1", r.policy, l)
	r.clients["m1"] = old // never connected, so not healthy

	if _, err := r.GetOrCreate("m1"); err == nil {
		t.Fatal("expected a connection error with no broker running")
	}

	old.mu.Lock()
	closed := old.closed
	old.mu.Unlock()
	if !closed {
		t.Fatal("replaced client was not closed")
	}
	l.mu.Lock()
	disconnects := l.disconnects
	l.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("got %d link disconnects, wanted 1", disconnects)
	}

	r.mu.Lock()
	_, have := r.clients["m1"]
	r.mu.Unlock()
	if have {
		t.Fatal("dead client left in the table after a failed replacement")
	}
}
