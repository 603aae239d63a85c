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

// Package monitor watches the fleet's state updates and turns them
// into operator alerts on monitoraggio/alert/{id}.  The most severe
// alerts also raise an intervention request on
// manutenzione/richieste/{id}.
package monitor

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caffenet/fleet/bus"
)

// Alert severities.  SeverityIntervention additionally produces an
// intervention request.
const (
	SeverityInfo         = 1
	SeverityWarning      = 2
	SeverityIntervention = 3
)

// Alert is one condition observed on one machine.
type Alert struct {
	MachineID int    `json:"machineId"`
	Kind      string `json:"kind"`
	Severity  int    `json:"severity"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Config holds the monitor's thresholds.
type Config struct {
	// CashPercent is the balance/capacity ratio above which the cash
	// box is flagged.
	CashPercent float64
	// SlotPercent is the quantity/maximum ratio at or under which a
	// slot is flagged.
	SlotPercent float64
	// StaleAfter is how long a machine may go silent before it is
	// flagged unreachable by Sweep.
	StaleAfter time.Duration
	QoS        byte
}

// Monitor consumes machines/+/stato/aggiornamento, the machines' own
// machines/+/+/avviso alerts, and clients/+/stato presence, and
// republishes per-machine alerts.  A snapshot-derived alert is
// published when its condition appears or changes severity, not on
// every update, so a machine sitting at a low slot level does not
// spam the operators; device-originated alerts are already
// edge-triggered and pass straight through.  Each state update is
// also republished retained on machines/{id}/stato/monitoraggio for
// late subscribers.
type Monitor struct {
	bus bus.Bus
	cfg Config

	mu       sync.Mutex
	active   map[string]int // condition key -> severity last published
	lastSeen map[int]time.Time
}

func New(b bus.Bus, cfg Config) *Monitor {
	if cfg.CashPercent <= 0 {
		cfg.CashPercent = 0.9
	}
	if cfg.SlotPercent <= 0 {
		cfg.SlotPercent = 0.2
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &Monitor{
		bus:      b,
		cfg:      cfg,
		active:   make(map[string]int),
		lastSeen: make(map[int]time.Time),
	}
}

// Start registers the monitor's subscriptions.
func (m *Monitor) Start() error {
	if err := m.bus.Subscribe("machines/+/stato/aggiornamento", m.onUpdate); err != nil {
		return err
	}
	if err := m.bus.Subscribe("machines/+/+/avviso", m.onDeviceAlert); err != nil {
		return err
	}
	return m.bus.Subscribe("clients/+/stato", m.onPresence)
}

// snapshot mirrors the state update the machine package publishes.
// Only the fields the monitor judges are decoded.
type snapshot struct {
	ID   int `json:"id"`
	Cash struct {
		Percent    float64 `json:"percent"`
		NearlyFull bool    `json:"nearlyFull"`
	} `json:"cash"`
	Inventory map[string]struct {
		Quantity int `json:"quantity"`
		Maximum  int `json:"maximum"`
	} `json:"inventory"`
	OpenCases []struct {
		Type     string `json:"type"`
		Severity string `json:"severity"`
	} `json:"openCases"`
}

func (m *Monitor) onUpdate(topic string, payload []byte) {
	var st snapshot
	if err := json.Unmarshal(payload, &st); err != nil {
		log.Printf("monitor: dropped unparseable update on %s: %s", topic, err)
		return
	}
	if st.ID == 0 {
		if id, err := machineIDFromTopic(topic); err == nil {
			st.ID = id
		} else {
			log.Printf("monitor: dropped update with no machine id on %s", topic)
			return
		}
	}

	m.mu.Lock()
	m.lastSeen[st.ID] = time.Now()
	m.mu.Unlock()
	m.clear(st.ID, "unreachable")

	// Keep the last known state available to late subscribers
	// (dashboards that come up after the machine's update).
	retained := "machines/" + strconv.Itoa(st.ID) + "/stato/monitoraggio"
	if err := m.bus.PublishRetained(retained, payload, m.cfg.QoS); err != nil {
		log.Printf("monitor: could not republish state for machine %d: %s", st.ID, err)
	}

	if st.Cash.Percent > m.cfg.CashPercent {
		m.raise(Alert{
			MachineID: st.ID,
			Kind:      "cassa_quasi_piena",
			Severity:  SeverityIntervention,
			Message:   fmt.Sprintf("cash box at %.0f%% of capacity", st.Cash.Percent*100),
		})
	} else {
		m.clear(st.ID, "cassa_quasi_piena")
	}

	for slot, s := range st.Inventory {
		kind := "cialde_scarse:" + slot
		if s.Maximum > 0 && float64(s.Quantity) <= float64(s.Maximum)*m.cfg.SlotPercent {
			sev := SeverityWarning
			if s.Quantity == 0 {
				sev = SeverityIntervention
			}
			m.raise(Alert{
				MachineID: st.ID,
				Kind:      kind,
				Severity:  sev,
				Message:   fmt.Sprintf("slot %s at %d of %d", slot, s.Quantity, s.Maximum),
			})
		} else {
			m.clear(st.ID, kind)
		}
	}

	if n := len(st.OpenCases); n > 0 {
		sev := SeverityWarning
		for _, c := range st.OpenCases {
			if c.Severity == "ALTA" {
				sev = SeverityIntervention
				break
			}
		}
		m.raise(Alert{
			MachineID: st.ID,
			Kind:      "manutenzione_aperta",
			Severity:  sev,
			Message:   fmt.Sprintf("%d open maintenance cases", n),
		})
	} else {
		m.clear(st.ID, "manutenzione_aperta")
	}
}

// onDeviceAlert forwards the machines' own .../avviso events (cash
// nearly full, low cartridges, maintenance) to the operator topics.
// These are edge-triggered by the device, so they pass through
// without the change-only gate the snapshot conditions use.
func (m *Monitor) onDeviceAlert(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		log.Printf("monitor: dropped alert with bad machine id on %s", topic)
		return
	}
	subsystem := parts[2]

	var body struct {
		Type     string `json:"type"`
		Level    string `json:"level"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Printf("monitor: dropped unparseable alert on %s: %s", topic, err)
		return
	}
	sev := SeverityWarning
	switch {
	case body.Level == "critical":
		sev = SeverityIntervention
	case body.Severity == "ALTA":
		sev = SeverityIntervention
	case subsystem == "cassa": // the only cash alert is nearly-full
		sev = SeverityIntervention
	}
	kind := subsystem
	if body.Type != "" {
		kind = body.Type
	}
	m.publishAlert(Alert{
		MachineID: id,
		Kind:      kind,
		Severity:  sev,
		Message:   "device alert on " + topic,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (m *Monitor) onPresence(topic string, payload []byte) {
	// clients/{name}/stato with a retained "online"/"offline" body,
	// where device clients are named machine-{id}.
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || !strings.HasPrefix(parts[1], "machine-") {
		return
	}
	id, err := strconv.Atoi(strings.TrimPrefix(parts[1], "machine-"))
	if err != nil {
		return
	}
	switch string(payload) {
	case bus.StatusOffline:
		m.raise(Alert{
			MachineID: id,
			Kind:      "unreachable",
			Severity:  SeverityIntervention,
			Message:   "machine reported offline by the broker",
		})
	case bus.StatusOnline:
		m.clear(id, "unreachable")
	}
}

// Sweep flags machines that have gone silent.  fleetd runs it on the
// monitoring cron schedule.
func (m *Monitor) Sweep() {
	cutoff := time.Now().Add(-m.cfg.StaleAfter)
	m.mu.Lock()
	stale := make([]int, 0)
	for id, seen := range m.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.raise(Alert{
			MachineID: id,
			Kind:      "unreachable",
			Severity:  SeverityIntervention,
			Message:   fmt.Sprintf("no state update in %s", m.cfg.StaleAfter),
		})
	}
}

func conditionKey(machineID int, kind string) string {
	return strconv.Itoa(machineID) + "/" + kind
}

// raise publishes an alert unless the same condition is already
// active at the same severity.
func (m *Monitor) raise(a Alert) {
	key := conditionKey(a.MachineID, a.Kind)
	m.mu.Lock()
	if m.active[key] == a.Severity {
		m.mu.Unlock()
		return
	}
	m.active[key] = a.Severity
	m.mu.Unlock()

	a.Timestamp = time.Now().UnixMilli()
	m.publishAlert(a)
}

func (m *Monitor) publishAlert(a Alert) {
	js, err := json.Marshal(a)
	if err != nil {
		log.Printf("monitor: could not marshal alert for machine %d: %s", a.MachineID, err)
		return
	}
	id := strconv.Itoa(a.MachineID)
	if err := m.bus.Publish("monitoraggio/alert/"+id, js, m.cfg.QoS); err != nil {
		log.Printf("monitor: could not publish alert for machine %d: %s", a.MachineID, err)
	}
	if a.Severity == SeverityIntervention {
		if err := m.bus.Publish("manutenzione/richieste/"+id, js, m.cfg.QoS); err != nil {
			log.Printf("monitor: could not publish intervention request for machine %d: %s", a.MachineID, err)
		}
	}
}

func (m *Monitor) clear(machineID int, kind string) {
	key := conditionKey(machineID, kind)
	m.mu.Lock()
	_, was := m.active[key]
	delete(m.active, key)
	m.mu.Unlock()
	if !was {
		return
	}
	a := Alert{
		MachineID: machineID,
		Kind:      kind,
		Severity:  0,
		Message:   "condition cleared",
		Timestamp: time.Now().UnixMilli(),
	}
	js, _ := json.Marshal(a)
	if err := m.bus.Publish("monitoraggio/alert/"+strconv.Itoa(machineID), js, m.cfg.QoS); err != nil {
		log.Printf("monitor: could not publish clear for machine %d: %s", machineID, err)
	}
}

func machineIDFromTopic(topic string) (int, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return 0, fmt.Errorf("no machine id in %q", topic)
	}
	return strconv.Atoi(parts[1])
}
