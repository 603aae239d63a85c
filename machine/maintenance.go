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

package machine

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/caffenet/fleet/bus"
	"github.com/caffenet/fleet/storage"
	"github.com/google/uuid"
)

// Case severities.
const (
	SeverityLow    = "BASSA"
	SeverityMedium = "MEDIA"
	SeverityHigh   = "ALTA"
)

// Case is one open or resolved maintenance problem.
type Case struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	OpenedAt    int64  `json:"openedAt"`
	Assignee    string `json:"assignee,omitempty"`
	ResolvedAt  int64  `json:"resolvedAt,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

// Maintenance tracks a machine's open cases.  Open cases dedup by
// type: a second CIALDE_ESAURITE while one is already open is
// swallowed, so a slot that keeps being hammered at zero does not
// flood the technicians.
type Maintenance struct {
	machineID int
	bus       bus.Bus
	qos       byte
	store     storage.Store

	mu   sync.Mutex
	open map[string]*Case // keyed by case id
}

func NewMaintenance(machineID int, b bus.Bus, qos byte, store storage.Store) *Maintenance {
	return &Maintenance{
		machineID: machineID,
		bus:       b,
		qos:       qos,
		store:     store,
		open:      make(map[string]*Case),
	}
}

// OpenCase opens a case unless one of the same type is already open,
// in which case the existing case id is returned with opened=false.
// The case is persisted and announced either way it is created; a
// persistence failure is logged and the case stays open in memory.
func (m *Maintenance) OpenCase(typ, description, severity string) (string, bool) {
	if severity == "" {
		severity = SeverityMedium
	}
	m.mu.Lock()
	for id, c := range m.open {
		if c.Type == typ {
			m.mu.Unlock()
			log.Printf("machine %d: case of type %s already open as %s", m.machineID, typ, id)
			return id, false
		}
	}
	c := &Case{
		ID:          uuid.NewString(),
		Type:        typ,
		Description: description,
		Severity:    severity,
		OpenedAt:    nowMillis(),
	}
	m.open[c.ID] = c
	snapshot := *c
	count := len(m.open)
	m.mu.Unlock()

	if err := m.store.SaveMaintenanceCase(context.Background(), m.toStorage(snapshot)); err != nil {
		log.Printf("machine %d: could not persist case %s: %s", m.machineID, snapshot.ID, err)
	}
	publish(m.bus, m.qos, topicf(m.machineID, "manutenzione", "segnalazione", "risposta"), snapshot)
	m.publishCount(count)
	if severity == SeverityHigh {
		publish(m.bus, m.qos, topicf(m.machineID, "manutenzione", "avviso"), map[string]interface{}{
			"type":      snapshot.Type,
			"id":        snapshot.ID,
			"severity":  snapshot.Severity,
			"timestamp": nowMillis(),
		})
	}
	return snapshot.ID, true
}

// ResolveCase closes a case by id.  Unknown ids return false.
func (m *Maintenance) ResolveCase(id, note, assignee string) bool {
	m.mu.Lock()
	c, have := m.open[id]
	if !have {
		m.mu.Unlock()
		log.Printf("machine %d: resolution of unknown case %s ignored", m.machineID, id)
		return false
	}
	delete(m.open, id)
	c.ResolvedAt = nowMillis()
	c.Resolution = note
	c.Assignee = assignee
	snapshot := *c
	count := len(m.open)
	m.mu.Unlock()

	if err := m.store.UpdateMaintenanceCase(context.Background(), m.toStorage(snapshot)); err != nil {
		log.Printf("machine %d: could not persist resolution of %s: %s", m.machineID, id, err)
	}
	publish(m.bus, m.qos, topicf(m.machineID, "manutenzione", "risoluzione", "risposta"), snapshot)
	m.publishCount(count)
	return true
}

// ListOpen returns the open cases, oldest first.
func (m *Maintenance) ListOpen() []Case {
	m.mu.Lock()
	out := make([]Case, 0, len(m.open))
	for _, c := range m.open {
		out = append(out, *c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt < out[j].OpenedAt })
	return out
}

// UrgencyCheck publishes an intervention alert when any case is
// open.  fleetd calls this on its maintenance cron schedule.
func (m *Maintenance) UrgencyCheck() {
	open := m.ListOpen()
	if len(open) == 0 {
		return
	}
	types := make([]string, 0, len(open))
	for _, c := range open {
		types = append(types, c.Type)
	}
	publish(m.bus, m.qos, topicf(m.machineID, "manutenzione", "avviso"), map[string]interface{}{
		"type":      "INTERVENTO_RICHIESTO",
		"openCases": len(open),
		"cases":     types,
		"timestamp": nowMillis(),
	})
}

func (m *Maintenance) publishCount(count int) {
	publish(m.bus, m.qos, topicf(m.machineID, "manutenzione", "stato", "risposta"), map[string]interface{}{
		"openCases": count,
		"timestamp": nowMillis(),
	})
}

func (m *Maintenance) toStorage(c Case) storage.MaintenanceCase {
	return storage.MaintenanceCase{
		ID:          c.ID,
		MachineID:   m.machineID,
		Type:        c.Type,
		Description: c.Description,
		Severity:    c.Severity,
		OpenedAt:    c.OpenedAt,
		Assignee:    c.Assignee,
		ResolvedAt:  c.ResolvedAt,
		Resolution:  c.Resolution,
	}
}
