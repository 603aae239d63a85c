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
	"fmt"
	"log"
	"sync"

	"github.com/caffenet/fleet/bus"
)

// Restock alert levels.  "warning" fires at or under 30% of a slot's
// maximum, "critical" at or under 10%.
const (
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

type slot struct {
	quantity int
	maximum  int
}

// SlotState is a point-in-time copy of one cartridge slot.
type SlotState struct {
	Quantity     int  `json:"quantity"`
	Maximum      int  `json:"maximum"`
	NeedsRestock bool `json:"needsRestock"`
}

// Slots is a machine's cartridge inventory.  One mutex guards the
// whole map so a recipe's multi-slot check-and-consume is atomic.
type Slots struct {
	machineID int
	bus       bus.Bus
	qos       byte
	maint     *Maintenance

	mu    sync.Mutex
	slots map[string]*slot
}

func NewSlots(machineID int, b bus.Bus, qos byte, maint *Maintenance) *Slots {
	return &Slots{
		machineID: machineID,
		bus:       b,
		qos:       qos,
		maint:     maint,
		slots:     make(map[string]*slot),
	}
}

// AddSlot registers a slot.  Quantities are clamped to [0, maximum].
func (s *Slots) AddSlot(id string, quantity, maximum int) {
	if maximum < 1 {
		maximum = 1
	}
	if quantity < 0 {
		quantity = 0
	}
	if quantity > maximum {
		quantity = maximum
	}
	s.mu.Lock()
	s.slots[id] = &slot{quantity: quantity, maximum: maximum}
	s.mu.Unlock()
}

// needsRestock at or under 20% of maximum.
func (sl *slot) needsRestock() bool {
	return sl.quantity*5 <= sl.maximum
}

// HasStock reports whether every named slot has at least one unit.
// Unknown slot ids count as out of stock.
func (s *Slots) HasStock(ids []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		sl, have := s.slots[id]
		if !have || sl.quantity < 1 {
			return false
		}
	}
	return true
}

type restockAlert struct {
	slot     string
	level    string
	quantity int
	maximum  int
}

// consumeLocked decrements one slot and reports the alert the
// decrement produced, if any.  Unknown slots are logged and skipped;
// an already-empty slot stays at zero and raises nothing, so a
// threshold alert fires once per crossing rather than once per
// attempt.
func (s *Slots) consumeLocked(id string) *restockAlert {
	sl, have := s.slots[id]
	if !have {
		log.Printf("machine %d: consume of unknown slot %s ignored", s.machineID, id)
		return nil
	}
	if sl.quantity == 0 {
		return nil
	}
	sl.quantity--
	q, max := sl.quantity, sl.maximum
	switch {
	case q*10 <= max:
		return &restockAlert{slot: id, level: AlertCritical, quantity: q, maximum: max}
	case q*10 <= 3*max:
		return &restockAlert{slot: id, level: AlertWarning, quantity: q, maximum: max}
	}
	return nil
}

func (s *Slots) raise(alerts []*restockAlert) {
	for _, a := range alerts {
		if a == nil {
			continue
		}
		publish(s.bus, s.qos, topicf(s.machineID, "cialde", "avviso"), map[string]interface{}{
			"slot":      a.slot,
			"level":     a.level,
			"quantity":  a.quantity,
			"maximum":   a.maximum,
			"timestamp": nowMillis(),
		})
		if a.level == AlertCritical {
			s.maint.OpenCase("CIALDE_ESAURITE",
				fmt.Sprintf("slot %s down to %d of %d", a.slot, a.quantity, a.maximum),
				SeverityHigh)
		}
	}
}

// Consume decrements every named slot, flooring at zero.  Alerts are
// published after the lock is released.
func (s *Slots) Consume(ids []string) {
	alerts := make([]*restockAlert, 0, len(ids))
	s.mu.Lock()
	for _, id := range ids {
		alerts = append(alerts, s.consumeLocked(id))
	}
	s.mu.Unlock()
	s.raise(alerts)
}

// TryConsume checks and decrements the named slots under one lock
// acquisition.  It either consumes all of them or none.
func (s *Slots) TryConsume(ids []string) bool {
	alerts := make([]*restockAlert, 0, len(ids))
	s.mu.Lock()
	for _, id := range ids {
		sl, have := s.slots[id]
		if !have || sl.quantity < 1 {
			s.mu.Unlock()
			return false
		}
	}
	for _, id := range ids {
		alerts = append(alerts, s.consumeLocked(id))
	}
	s.mu.Unlock()
	s.raise(alerts)
	return true
}

// Refill restores one slot to its maximum.  Returns false for an
// unknown slot id.
func (s *Slots) Refill(id string) bool {
	s.mu.Lock()
	sl, have := s.slots[id]
	if !have {
		s.mu.Unlock()
		return false
	}
	sl.quantity = sl.maximum
	q := sl.quantity
	s.mu.Unlock()
	publish(s.bus, s.qos, topicf(s.machineID, "cialde", "ricarica", "risposta"), map[string]interface{}{
		"slot":      id,
		"quantity":  q,
		"timestamp": nowMillis(),
	})
	return true
}

// RefillAll restores every slot to its maximum.
func (s *Slots) RefillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.slots))
	for id, sl := range s.slots {
		sl.quantity = sl.maximum
		ids = append(ids, id)
	}
	s.mu.Unlock()
	publish(s.bus, s.qos, topicf(s.machineID, "cialde", "ricarica", "risposta"), map[string]interface{}{
		"slots":     ids,
		"timestamp": nowMillis(),
	})
}

// Snapshot returns a copy of every slot's state.
func (s *Slots) Snapshot() map[string]SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SlotState, len(s.slots))
	for id, sl := range s.slots {
		out[id] = SlotState{
			Quantity:     sl.quantity,
			Maximum:      sl.maximum,
			NeedsRestock: sl.needsRestock(),
		}
	}
	return out
}

// PublishState republishes the inventory on demand.
func (s *Slots) PublishState() {
	publish(s.bus, s.qos, topicf(s.machineID, "cialde", "stato", "risposta"), map[string]interface{}{
		"slots":     s.Snapshot(),
		"timestamp": nowMillis(),
	})
}
