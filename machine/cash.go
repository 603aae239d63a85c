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
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/caffenet/fleet/bus"
	"github.com/caffenet/fleet/storage"
)

// defaultAlertFraction is the balance level, relative to capacity,
// at which the cash box asks to be collected when the configuration
// does not say otherwise.
const defaultAlertFraction = 0.9

// Cash tracks a machine's transient credit and settled balance.
//
// Invariant: balance + credit never exceeds capacity, so a refund or
// a settle can always be honored physically.  Every mutation is a
// single locked read-modify-write; events are published after the
// lock is released, from the state captured inside it.
type Cash struct {
	machineID int
	bus       bus.Bus
	qos       byte
	store     storage.Store
	maint     *Maintenance

	mu            sync.Mutex
	credit        float64
	balance       float64
	capacity      float64
	alertFraction float64
	nearlyFull    bool // latched on upward crossing, cleared below threshold
}

// CashState is a point-in-time copy of the ledger.
type CashState struct {
	Credit     float64 `json:"credit"`
	Balance    float64 `json:"balance"`
	Capacity   float64 `json:"capacity"`
	Percent    float64 `json:"percent"`
	NearlyFull bool    `json:"nearlyFull"`
}

// NewCash builds the ledger.  alertFraction is the nearly-full
// threshold relative to capacity; zero or negative means the default
// (90%).
func NewCash(machineID int, capacity, alertFraction float64, b bus.Bus, qos byte, store storage.Store, maint *Maintenance) *Cash {
	if alertFraction <= 0 {
		alertFraction = defaultAlertFraction
	}
	return &Cash{
		machineID:     machineID,
		bus:           b,
		qos:           qos,
		store:         store,
		maint:         maint,
		capacity:      capacity,
		alertFraction: alertFraction,
	}
}

// round2 keeps monetary amounts at cent precision so repeated
// float64 arithmetic cannot drift the ledger.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func (c *Cash) stateLocked() CashState {
	pct := 0.0
	if c.capacity > 0 {
		pct = c.balance / c.capacity
	}
	return CashState{
		Credit:     round2(c.credit),
		Balance:    round2(c.balance),
		Capacity:   c.capacity,
		Percent:    pct,
		NearlyFull: c.nearlyFull,
	}
}

// Snapshot returns the current ledger state.
func (c *Cash) Snapshot() CashState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// AcceptCredit adds inserted money to the transient credit.  The
// insertion is refused, with a structured error event, when the
// amount is not positive or when accepting it could overflow the
// physical box (credit that may later settle counts against
// capacity).
func (c *Cash) AcceptCredit(amount float64) bool {
	if amount <= 0 {
		c.publishError("importo_non_valido", fmt.Sprintf("amount %.2f is not positive", amount))
		return false
	}
	c.mu.Lock()
	if c.balance+c.credit+amount > c.capacity {
		c.mu.Unlock()
		c.publishError("cassa_piena", fmt.Sprintf("accepting %.2f would exceed capacity %.2f", amount, c.capacity))
		return false
	}
	c.credit = round2(c.credit + amount)
	st := c.stateLocked()
	c.mu.Unlock()
	c.publishCredit(st)
	return true
}

// Settle moves amount from credit to balance.  It fails, without any
// partial effect, when the credit does not cover the amount.
func (c *Cash) Settle(amount float64) bool {
	c.mu.Lock()
	if amount <= 0 || round2(c.credit) < round2(amount) {
		c.mu.Unlock()
		return false
	}
	c.credit = round2(c.credit - amount)
	c.balance = round2(c.balance + amount)
	crossed := !c.nearlyFull && c.balance > c.capacity*c.alertFraction
	if crossed {
		c.nearlyFull = true
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.publishCredit(st)
	c.publishStateEvent(st)
	if crossed {
		publish(c.bus, c.qos, topicf(c.machineID, "cassa", "avviso"), map[string]interface{}{
			"type":      "cassa_quasi_piena",
			"balance":   st.Balance,
			"capacity":  st.Capacity,
			"percent":   st.Percent,
			"timestamp": nowMillis(),
		})
	}
	return true
}

// ReverseSettle undoes a Settle whose dispense could not go through,
// moving the amount back from balance to credit.  Dropping back under
// the threshold re-arms the nearly-full latch.
func (c *Cash) ReverseSettle(amount float64) {
	c.mu.Lock()
	c.balance = round2(c.balance - amount)
	c.credit = round2(c.credit + amount)
	if c.balance <= c.capacity*c.alertFraction {
		c.nearlyFull = false
	}
	st := c.stateLocked()
	c.mu.Unlock()
	c.publishCredit(st)
	c.publishStateEvent(st)
}

// RefundCredit returns the whole transient credit to the customer
// and reports the returned amount.
func (c *Cash) RefundCredit() float64 {
	c.mu.Lock()
	amount := round2(c.credit)
	c.credit = 0
	st := c.stateLocked()
	c.mu.Unlock()
	publish(c.bus, c.qos, topicf(c.machineID, "cassa", "resto", "risposta"), map[string]interface{}{
		"refunded":  amount,
		"timestamp": nowMillis(),
	})
	c.publishCredit(st)
	return amount
}

// Collect empties the settled balance, persists a revenue record,
// and opens a maintenance case documenting the collection.  A
// persistence failure is logged and does not undo the collection;
// the box has physically been emptied.
func (c *Cash) Collect() float64 {
	c.mu.Lock()
	amount := round2(c.balance)
	c.balance = 0
	c.nearlyFull = false
	st := c.stateLocked()
	c.mu.Unlock()

	ts := nowMillis()
	if err := c.store.SaveRevenueRecord(context.Background(), c.machineID, amount, ts); err != nil {
		log.Printf("machine %d: could not persist revenue record for %.2f: %s", c.machineID, amount, err)
	}
	publish(c.bus, c.qos, topicf(c.machineID, "cassa", "svuotamento", "risposta"), map[string]interface{}{
		"collected": amount,
		"timestamp": ts,
	})
	c.publishStateEvent(st)
	if amount > 0 {
		c.maint.OpenCase("SVUOTAMENTO_CASSA",
			fmt.Sprintf("collected %.2f from machine %d", amount, c.machineID),
			SeverityMedium)
	}
	return amount
}

func (c *Cash) publishCredit(st CashState) {
	publish(c.bus, c.qos, topicf(c.machineID, "cassa", "credito", "risposta"), map[string]interface{}{
		"credit":    st.Credit,
		"timestamp": nowMillis(),
	})
}

func (c *Cash) publishStateEvent(st CashState) {
	publish(c.bus, c.qos, topicf(c.machineID, "cassa", "stato", "risposta"), map[string]interface{}{
		"credit":     st.Credit,
		"balance":    st.Balance,
		"capacity":   st.Capacity,
		"percent":    st.Percent,
		"nearlyFull": st.NearlyFull,
		"timestamp":  nowMillis(),
	})
}

// PublishState republishes the ledger on demand.
func (c *Cash) PublishState() {
	c.publishStateEvent(c.Snapshot())
}

func (c *Cash) publishError(reason, message string) {
	publish(c.bus, c.qos, topicf(c.machineID, "cassa", "errore", "risposta"), map[string]interface{}{
		"reason":    reason,
		"message":   message,
		"timestamp": nowMillis(),
	})
}
