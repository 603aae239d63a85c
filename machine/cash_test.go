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
	"sync"
	"testing"
)

func newTestCash(capacity float64) (*Cash, *fakeBus, *fakeStore) {
	fb := &fakeBus{}
	fs := &fakeStore{}
	maint := NewMaintenance(1, fb, 0, fs)
	return NewCash(1, capacity, 0, fb, 0, fs, maint), fb, fs
}

func TestCashAcceptCredit(t *testing.T) {
	c, fb, _ := newTestCash(50)
	if !c.AcceptCredit(1.5) {
		t.Fatal("insertion refused")
	}
	if got := c.Snapshot().Credit; got != 1.5 {
		t.Fatalf("credit = %v, wanted 1.5", got)
	}
	if c.AcceptCredit(0) {
		t.Fatal("zero insertion accepted")
	}
	if c.AcceptCredit(-1) {
		t.Fatal("negative insertion accepted")
	}
	if got := fb.count("machines/1/cassa/errore/risposta"); got != 2 {
		t.Fatalf("got %d error events, wanted 2", got)
	}
}

func TestCashCapacityCoversCredit(t *testing.T) {
	// balance + credit counts against capacity, so the box can
	// always physically settle what it accepted.
	c, _, _ := newTestCash(50)
	if !c.AcceptCredit(49) {
		t.Fatal("insertion refused")
	}
	if !c.Settle(49) {
		t.Fatal("settle refused")
	}
	if c.AcceptCredit(2) {
		t.Fatal("insertion beyond capacity accepted")
	}
	if !c.AcceptCredit(1) {
		t.Fatal("insertion within capacity refused")
	}
}

func TestCashSettleRequiresCredit(t *testing.T) {
	c, _, _ := newTestCash(50)
	c.AcceptCredit(0.4)
	if c.Settle(0.5) {
		t.Fatal("settled more than the credit")
	}
	st := c.Snapshot()
	if st.Credit != 0.4 || st.Balance != 0 {
		t.Fatalf("partial effect: %+v", st)
	}
}

func TestCashConcurrentInsertions(t *testing.T) {
	c, _, _ := newTestCash(1000)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AcceptCredit(0.1)
		}()
	}
	wg.Wait()
	if got := c.Snapshot().Credit; got != 10.0 {
		t.Fatalf("credit = %v, wanted exactly 10.0", got)
	}
}

func TestCashNearlyFullLatch(t *testing.T) {
	c, fb, _ := newTestCash(50)
	alerts := func() int { return fb.count("machines/1/cassa/avviso") }

	c.AcceptCredit(44)
	c.Settle(44) // 88%, under threshold
	if got := alerts(); got != 0 {
		t.Fatalf("got %d alerts under threshold", got)
	}
	c.AcceptCredit(2)
	c.Settle(2) // 92%, upward crossing
	if got := alerts(); got != 1 {
		t.Fatalf("got %d alerts on crossing, wanted 1", got)
	}
	c.AcceptCredit(1)
	c.Settle(1) // still above, latched
	if got := alerts(); got != 1 {
		t.Fatalf("latch broke: %d alerts", got)
	}

	c.Collect() // empties and re-arms
	c.AcceptCredit(46)
	c.Settle(46) // second upward crossing
	if got := alerts(); got != 2 {
		t.Fatalf("got %d alerts after re-crossing, wanted 2", got)
	}
}

func TestCashAlertFractionConfigurable(t *testing.T) {
	fb := &fakeBus{}
	fs := &fakeStore{}
	maint := NewMaintenance(1, fb, 0, fs)
	c := NewCash(1, 100, 0.5, fb, 0, fs, maint)
	alerts := func() int { return fb.count("machines/1/cassa/avviso") }

	c.AcceptCredit(50)
	c.Settle(50) // exactly 50%, not above
	if got := alerts(); got != 0 {
		t.Fatalf("got %d alerts at the threshold", got)
	}
	c.AcceptCredit(1)
	c.Settle(1) // 51%, crossing
	if got := alerts(); got != 1 {
		t.Fatalf("got %d alerts past a 50%% threshold, wanted 1", got)
	}
}

func TestCashReverseSettle(t *testing.T) {
	c, _, _ := newTestCash(50)
	c.AcceptCredit(1)
	if !c.Settle(0.5) {
		t.Fatal("settle refused")
	}
	c.ReverseSettle(0.5)
	st := c.Snapshot()
	if st.Credit != 1.0 || st.Balance != 0 {
		t.Fatalf("reverse did not restore the ledger: %+v", st)
	}
}

func TestCashRefund(t *testing.T) {
	c, fb, _ := newTestCash(50)
	c.AcceptCredit(2.5)
	if got := c.RefundCredit(); got != 2.5 {
		t.Fatalf("refunded %v, wanted 2.5", got)
	}
	if got := c.Snapshot().Credit; got != 0 {
		t.Fatalf("credit = %v after refund", got)
	}
	resp := fb.last(t, "machines/1/cassa/resto/risposta")
	if resp["refunded"] != 2.5 {
		t.Fatalf("bad refund response %v", resp)
	}
}

func TestCashCollect(t *testing.T) {
	c, fb, fs := newTestCash(50)
	c.AcceptCredit(10)
	c.Settle(10)
	if got := c.Collect(); got != 10 {
		t.Fatalf("collected %v, wanted 10", got)
	}
	if got := c.Snapshot().Balance; got != 0 {
		t.Fatalf("balance = %v after collection", got)
	}

	fs.mu.Lock()
	revenues := append([]float64(nil), fs.revenues...)
	cases := make([]string, 0, len(fs.cases))
	for _, mc := range fs.cases {
		cases = append(cases, mc.Type)
	}
	fs.mu.Unlock()
	if len(revenues) != 1 || revenues[0] != 10 {
		t.Fatalf("bad revenue records %v", revenues)
	}
	if len(cases) != 1 || cases[0] != "SVUOTAMENTO_CASSA" {
		t.Fatalf("bad cases %v", cases)
	}
	resp := fb.last(t, "machines/1/cassa/svuotamento/risposta")
	if resp["collected"] != 10.0 {
		t.Fatalf("bad collection response %v", resp)
	}
}

func TestCashRoundsToCents(t *testing.T) {
	c, _, _ := newTestCash(50)
	for i := 0; i < 10; i++ {
		c.AcceptCredit(0.1)
	}
	if got := c.Snapshot().Credit; got != 1.0 {
		t.Fatalf("credit = %v, wanted exactly 1.0", got)
	}
	if !c.Settle(1.0) {
		t.Fatal("drifted credit could not settle")
	}
}
