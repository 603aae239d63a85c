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

	"github.com/google/uuid"
)

// Registry is the process-wide table of named clients.  One logical
// connection exists per name; components borrow a connection by name
// and never own it.  The registry is passed explicitly to whoever
// needs it -- it is not a package-level singleton.
type Registry struct {
	policy Policy

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(policy Policy) *Registry {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = 5 * time.Second
	}
	if policy.ConnectTimeout <= 0 {
		policy.ConnectTimeout = 10 * time.Second
	}
	if policy.KeepAlive <= 0 {
		policy.KeepAlive = 30 * time.Second
	}
	return &Registry{
		policy:  policy,
		clients: make(map[string]*Client),
	}
}

// GetOrCreate returns the existing healthy client for a name or
// builds, connects, and records a new one.  A client that exhausted
// its reconnection attempts is not resurrected; calling GetOrCreate
// again is the explicit way to ask for a fresh connection.
func (r *Registry) GetOrCreate(name string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, have := r.clients[name]; have {
		if c.Healthy() {
			return c, nil
		}
		// Release the dead client's session before replacing it.
		c.Close()
		delete(r.clients, name)
	}

	c := newClient(name, r.policy, nil)
	// Broker-side client ids must be unique across restarts.
	clientID := name + "_" + uuid.NewString()
	l, err := newPahoLink(name, clientID, r.policy, c.connectionLost, c.dispatch)
	if err != nil {
		return nil, err
	}
	c.link = l
	if err := c.connect(); err != nil {
		return nil, err
	}
	r.clients[name] = c
	log.Printf("bus: client %s connected to %s", name, r.policy.BrokerURL)
	return c, nil
}

// Disconnect tears down one named connection.
func (r *Registry) Disconnect(name string) {
	r.mu.Lock()
	c, have := r.clients[name]
	delete(r.clients, name)
	r.mu.Unlock()
	if have {
		c.Close()
	}
}

// DisconnectAll tears down every connection.  Used at shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
