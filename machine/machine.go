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

// Package machine implements one vending machine's device
// controllers: the cash ledger, the cartridge slots, the dispense
// state machine, and the maintenance case registry, composed by
// Machine, which owns the bus subscriptions that drive them.
//
// Topic layout (requests arrive on .../richiesta, responses go out
// on .../risposta, alerts on .../avviso):
//
//	machines/{id}/cassa/credito/richiesta
//	machines/{id}/cassa/resto/richiesta
//	machines/{id}/cassa/svuotamento/richiesta
//	machines/{id}/cassa/stato/richiesta
//	machines/{id}/bevande/richiesta
//	machines/{id}/bevande/stato/richiesta
//	machines/{id}/cialde/ricarica/richiesta
//	machines/{id}/cialde/stato/richiesta
//	machines/{id}/manutenzione/segnalazione/richiesta
//	machines/{id}/manutenzione/risoluzione/richiesta
//	machines/{id}/stato/richiesta
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/caffenet/fleet/bus"
	"github.com/caffenet/fleet/storage"
)

// topicf builds machines/{id}/{parts...}.
func topicf(machineID int, parts ...string) string {
	return "machines/" + strconv.Itoa(machineID) + "/" + strings.Join(parts, "/")
}

// publish marshals and publishes.  Publish failures are logged and
// swallowed: local controller state is the source of truth, and a
// down bus must not unwind a mutation that already happened.
func publish(b bus.Bus, qos byte, topic string, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		log.Printf("machine: could not marshal message for %s: %s", topic, err)
		return
	}
	if err := b.Publish(topic, js, qos); err != nil {
		log.Printf("machine: could not publish to %s: %s", topic, err)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// SlotConfig seeds one cartridge slot.
type SlotConfig struct {
	Quantity int `yaml:"quantity" json:"quantity"`
	Maximum  int `yaml:"maximum" json:"maximum"`
}

// Config describes one machine unit.
type Config struct {
	ID       int
	Capacity float64
	QoS      byte

	// CashAlertFraction is the nearly-full threshold relative to
	// Capacity.  Zero means the default (90%).
	CashAlertFraction float64

	PrepareDelay   time.Duration
	PrepareTimeout time.Duration

	Slots map[string]SlotConfig
}

// Machine is the composition root for one vending machine.  All
// per-machine mutable state lives in its four controllers; no two
// Machines share any of it.  The bus client is borrowed (owned by
// the registry), never owned.
type Machine struct {
	ID int

	Cash        *Cash
	Slots       *Slots
	Dispenser   *Dispenser
	Maintenance *Maintenance

	bus     bus.Bus
	qos     byte
	catalog *storage.Catalog
}

// New builds the controllers, loads the catalog from the store, and
// registers the machine's bus subscriptions.
func New(cfg Config, b bus.Bus, store storage.Store) (*Machine, error) {
	if cfg.PrepareDelay <= 0 {
		cfg.PrepareDelay = 5 * time.Second
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = 30 * time.Second
	}

	catalog, err := store.LoadMachineCatalog(context.Background(), cfg.ID)
	if err != nil {
		if !errors.Is(err, storage.NotFound) {
			return nil, err
		}
		log.Printf("machine %d: no catalog in store; starting empty", cfg.ID)
		catalog = &storage.Catalog{
			Beverages: map[int]storage.Beverage{},
			Recipes:   map[int][]string{},
		}
	}

	maint := NewMaintenance(cfg.ID, b, cfg.QoS, store)
	slots := NewSlots(cfg.ID, b, cfg.QoS, maint)
	for id, sc := range cfg.Slots {
		slots.AddSlot(id, sc.Quantity, sc.Maximum)
	}
	cash := NewCash(cfg.ID, cfg.Capacity, cfg.CashAlertFraction, b, cfg.QoS, store, maint)
	disp := NewDispenser(cfg.ID, b, cfg.QoS, store, cash, slots, catalog)
	disp.PrepareDelay = cfg.PrepareDelay
	disp.PrepareTimeout = cfg.PrepareTimeout

	m := &Machine{
		ID:          cfg.ID,
		Cash:        cash,
		Slots:       slots,
		Dispenser:   disp,
		Maintenance: maint,
		bus:         b,
		qos:         cfg.QoS,
		catalog:     catalog,
	}
	if err := m.subscribe(); err != nil {
		return nil, err
	}
	m.PublishState()
	return m, nil
}

func (m *Machine) subscribe() error {
	subs := []struct {
		topic string
		h     bus.Handler
	}{
		{topicf(m.ID, "cassa", "credito", "richiesta"), m.onCreditInsert},
		{topicf(m.ID, "cassa", "resto", "richiesta"), m.onRefund},
		{topicf(m.ID, "cassa", "svuotamento", "richiesta"), m.onCollect},
		{topicf(m.ID, "cassa", "stato", "richiesta"), m.onCashStatus},
		{topicf(m.ID, "bevande", "richiesta"), m.onDispense},
		{topicf(m.ID, "bevande", "stato", "richiesta"), m.onBeverageStatus},
		{topicf(m.ID, "cialde", "ricarica", "richiesta"), m.onRefill},
		{topicf(m.ID, "cialde", "stato", "richiesta"), m.onSlotStatus},
		{topicf(m.ID, "manutenzione", "segnalazione", "richiesta"), m.onReport},
		{topicf(m.ID, "manutenzione", "risoluzione", "richiesta"), m.onResolve},
		{topicf(m.ID, "stato", "richiesta"), m.onStatus},
	}
	for _, s := range subs {
		if err := m.bus.Subscribe(s.topic, s.h); err != nil {
			return err
		}
	}
	return nil
}

// invalid publishes a structured validation failure for a subsystem.
// A malformed message is rejected and reported; it is never retried
// and never crashes the dispatch loop.
func (m *Machine) invalid(subsystem string, err error) {
	publish(m.bus, m.qos, topicf(m.ID, subsystem, "errore", "risposta"), map[string]interface{}{
		"reason":    "payload_non_valido",
		"message":   err.Error(),
		"timestamp": nowMillis(),
	})
}

func (m *Machine) onCreditInsert(_ string, payload []byte) {
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		m.invalid("cassa", err)
		return
	}
	m.Cash.AcceptCredit(req.Amount)
}

func (m *Machine) onRefund(_ string, _ []byte) {
	m.Cash.RefundCredit()
}

func (m *Machine) onCollect(_ string, _ []byte) {
	m.Cash.Collect()
}

func (m *Machine) onCashStatus(_ string, _ []byte) {
	m.Cash.PublishState()
}

func (m *Machine) onDispense(_ string, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		m.invalid("bevande", err)
		return
	}
	// Submit reports rejections on the lifecycle topic itself.
	if err := m.Dispenser.Submit(req); err != nil {
		log.Printf("machine %d: dispense rejected: %s", m.ID, err)
	}
}

func (m *Machine) onBeverageStatus(_ string, _ []byte) {
	m.publishBeverages()
}

func (m *Machine) onRefill(_ string, payload []byte) {
	var req struct {
		Slot string `json:"slot"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		m.invalid("cialde", err)
		return
	}
	if req.Slot == "" {
		m.Slots.RefillAll()
		return
	}
	if !m.Slots.Refill(req.Slot) {
		m.invalid("cialde", errors.New("unknown slot "+req.Slot))
	}
}

func (m *Machine) onSlotStatus(_ string, _ []byte) {
	m.Slots.PublishState()
}

func (m *Machine) onReport(_ string, payload []byte) {
	var req struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Type == "" {
		if err == nil {
			err = errors.New("missing type")
		}
		m.invalid("manutenzione", err)
		return
	}
	m.Maintenance.OpenCase(req.Type, req.Description, req.Severity)
}

func (m *Machine) onResolve(_ string, payload []byte) {
	var req struct {
		ID       string `json:"id"`
		Note     string `json:"note"`
		Assignee string `json:"assignee"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		if err == nil {
			err = errors.New("missing id")
		}
		m.invalid("manutenzione", err)
		return
	}
	m.Maintenance.ResolveCase(req.ID, req.Note, req.Assignee)
}

func (m *Machine) onStatus(_ string, _ []byte) {
	m.PublishState()
}

// BeverageState is one catalog entry plus live availability.
type BeverageState struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Available bool    `json:"available"`
}

func (m *Machine) beverages() []BeverageState {
	out := make([]BeverageState, 0, len(m.catalog.Beverages))
	for id, bev := range m.catalog.Beverages {
		out = append(out, BeverageState{
			ID:        id,
			Name:      bev.Name,
			Price:     bev.Price,
			Available: m.Slots.HasStock(m.catalog.Recipes[id]),
		})
	}
	return out
}

func (m *Machine) publishBeverages() {
	publish(m.bus, m.qos, topicf(m.ID, "bevande", "stato", "risposta"), map[string]interface{}{
		"beverages": m.beverages(),
		"timestamp": nowMillis(),
	})
}

// Snapshot is the machine state handed to the API layer.
type Snapshot struct {
	ID        int                  `json:"id"`
	Cash      CashState            `json:"cash"`
	Inventory map[string]SlotState `json:"inventory"`
	Beverages []BeverageState      `json:"beverages"`
	OpenCases []Case               `json:"openCases"`
	Busy      bool                 `json:"busy"`
	Timestamp int64                `json:"timestamp"`
}

// Snapshot returns a point-in-time copy of the machine's state.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		ID:        m.ID,
		Cash:      m.Cash.Snapshot(),
		Inventory: m.Slots.Snapshot(),
		Beverages: m.beverages(),
		OpenCases: m.Maintenance.ListOpen(),
		Busy:      m.Dispenser.Busy(),
		Timestamp: nowMillis(),
	}
}

// PublishState publishes the full snapshot on
// machines/{id}/stato/aggiornamento.
func (m *Machine) PublishState() {
	publish(m.bus, m.qos, topicf(m.ID, "stato", "aggiornamento"), m.Snapshot())
}

// SubmitDispense is the API layer's entry point for a beverage
// request.
func (m *Machine) SubmitDispense(beverageID, sugarLevel int) error {
	return m.Dispenser.Submit(Request{
		BeverageID: beverageID,
		SugarLevel: sugarLevel,
	})
}
