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
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/caffenet/fleet/bus"
	"github.com/caffenet/fleet/storage"
	"github.com/google/uuid"
)

// Dispense lifecycle states, published with every transition.
const (
	StateIdle       = "idle"
	StateValidating = "validating"
	StatePreparing  = "preparing"
	StateCompleted  = "completed"
	StateRejected   = "rejected"
	StateFailed     = "failed"
)

// Structured rejection and failure reasons.
const (
	ReasonBusy            = "macchina_occupata"
	ReasonUnknownBeverage = "bevanda_sconosciuta"
	ReasonNoStock         = "cialde_insufficienti"
	ReasonNoCredit        = "credito_insufficiente"
	ReasonTimeout         = "erogazione_scaduta"
)

var (
	ErrBusy               = errors.New("machine busy")
	ErrUnknownBeverage    = errors.New("unknown beverage")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientCredit = errors.New("insufficient credit")
)

// Request is one beverage order.
type Request struct {
	BeverageID    int    `json:"beverageId"`
	SugarLevel    int    `json:"sugarLevel"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Dispenser runs the dispense state machine.  At most one dispense
// is in flight per machine: a single atomic flag is the admission
// gate, taken by compare-and-swap so concurrent submissions cannot
// both win.  The flag is held across the asynchronous preparation
// and released when the lifecycle reaches a terminal state.
type Dispenser struct {
	machineID int
	bus       bus.Bus
	qos       byte
	store     storage.Store
	cash      *Cash
	slots     *Slots
	catalog   *storage.Catalog

	PrepareDelay   time.Duration
	PrepareTimeout time.Duration

	busy atomic.Bool
}

func NewDispenser(machineID int, b bus.Bus, qos byte, store storage.Store, cash *Cash, slots *Slots, catalog *storage.Catalog) *Dispenser {
	return &Dispenser{
		machineID:      machineID,
		bus:            b,
		qos:            qos,
		store:          store,
		cash:           cash,
		slots:          slots,
		catalog:        catalog,
		PrepareDelay:   5 * time.Second,
		PrepareTimeout: 30 * time.Second,
	}
}

// Busy reports whether a dispense is in flight.
func (d *Dispenser) Busy() bool {
	return d.busy.Load()
}

// Submit validates and, when the order is payable and stocked,
// starts the asynchronous preparation.  Validation happens with the
// busy flag held so the stock and credit the validation saw are the
// stock and credit the dispense spends.  Every rejection publishes a
// lifecycle event carrying a structured reason.
func (d *Dispenser) Submit(req Request) error {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if !d.busy.CompareAndSwap(false, true) {
		d.publishLifecycle(req, StateRejected, ReasonBusy)
		return ErrBusy
	}
	accepted := false
	defer func() {
		if !accepted {
			d.busy.Store(false)
		}
	}()

	d.publishLifecycle(req, StateValidating, "")
	bev, have := d.catalog.Beverages[req.BeverageID]
	if !have {
		d.publishLifecycle(req, StateRejected, ReasonUnknownBeverage)
		return ErrUnknownBeverage
	}
	bev.ID = req.BeverageID
	recipe := d.catalog.Recipes[req.BeverageID]
	if !d.slots.HasStock(recipe) {
		d.publishLifecycle(req, StateRejected, ReasonNoStock)
		return ErrInsufficientStock
	}
	if err := d.settleAndConsume(bev, recipe); err != nil {
		switch {
		case errors.Is(err, ErrInsufficientCredit):
			d.publishLifecycle(req, StateRejected, ReasonNoCredit)
		default:
			d.publishLifecycle(req, StateRejected, ReasonNoStock)
		}
		return err
	}

	accepted = true
	d.publishLifecycle(req, StatePreparing, "")
	go d.prepare(req, bev)
	return nil
}

// settleAndConsume charges the price and consumes the recipe as one
// logical step: if the consume fails after the charge went through,
// the charge is reversed before the rejection is reported.
func (d *Dispenser) settleAndConsume(bev storage.Beverage, recipe []string) error {
	if !d.cash.Settle(bev.Price) {
		return ErrInsufficientCredit
	}
	if !d.slots.TryConsume(recipe) {
		d.cash.ReverseSettle(bev.Price)
		return ErrInsufficientStock
	}
	return nil
}

// prepare simulates the physical brew cycle and publishes the
// terminal lifecycle event.  The busy flag is released on every exit
// path.
func (d *Dispenser) prepare(req Request, bev storage.Beverage) {
	defer d.busy.Store(false)

	timeout := time.NewTimer(d.PrepareTimeout)
	defer timeout.Stop()
	delay := time.NewTimer(d.PrepareDelay)
	defer delay.Stop()

	select {
	case <-delay.C:
	case <-timeout.C:
		// The cartridges are spent and the money is settled; the
		// failure is reported rather than rolled back, matching what
		// the physical hardware would have done.
		d.publishLifecycle(req, StateFailed, ReasonTimeout)
		return
	}

	ts := nowMillis()
	if err := d.store.SaveSaleRecord(context.Background(), d.machineID, bev.ID, bev.Price, ts); err != nil {
		log.Printf("machine %d: could not persist sale of beverage %d: %s", d.machineID, bev.ID, err)
	}
	publish(d.bus, d.qos, topicf(d.machineID, "bevande", "erogazione", "completata"), map[string]interface{}{
		"correlationId": req.CorrelationID,
		"beverageId":    bev.ID,
		"name":          bev.Name,
		"price":         bev.Price,
		"sugarLevel":    req.SugarLevel,
		"timestamp":     ts,
	})
	d.publishLifecycle(req, StateCompleted, "")
}

func (d *Dispenser) publishLifecycle(req Request, state, reason string) {
	msg := map[string]interface{}{
		"state":         state,
		"correlationId": req.CorrelationID,
		"beverageId":    req.BeverageID,
		"timestamp":     nowMillis(),
	}
	if reason != "" {
		msg["reason"] = reason
	}
	publish(d.bus, d.qos, topicf(d.machineID, "bevande", "stato", "risposta"), msg)
}
