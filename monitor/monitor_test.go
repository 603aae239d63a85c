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

package monitor

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/caffenet/fleet/bus"
)

type fakeBus struct {
	mu   sync.Mutex
	msgs []busMsg
	subs map[string]bus.Handler
}

type busMsg struct {
	topic    string
	payload  []byte
	retained bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]bus.Handler)}
}

func (f *fakeBus) Publish(topic string, payload []byte, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, busMsg{topic, append([]byte(nil), payload...), false})
	return nil
}

func (f *fakeBus) PublishRetained(topic string, payload []byte, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, busMsg{topic, append([]byte(nil), payload...), true})
	return nil
}

func (f *fakeBus) Subscribe(pattern string, h bus.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[pattern] = h
	return nil
}

func (f *fakeBus) Close() {}

func (f *fakeBus) inject(topic string, payload []byte) {
	f.mu.Lock()
	subs := make(map[string]bus.Handler, len(f.subs))
	for p, h := range f.subs {
		subs[p] = h
	}
	f.mu.Unlock()
	for p, h := range subs {
		if bus.Match(p, topic) {
			h(topic, payload)
		}
	}
}

func (f *fakeBus) alerts(t *testing.T, topic string) []Alert {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Alert, 0, 4)
	for _, m := range f.msgs {
		if m.topic != topic {
			continue
		}
		var a Alert
		if err := json.Unmarshal(m.payload, &a); err != nil {
			t.Fatal(err)
		}
		out = append(out, a)
	}
	return out
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeBus) {
	t.Helper()
	fb := newFakeBus()
	m := New(fb, Config{StaleAfter: 10 * time.Millisecond})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	return m, fb
}

func update(cashPercent float64, slotQty int, openCases string) []byte {
	cases := "[]"
	if openCases != "" {
		cases = `[{"type":"X","severity":"` + openCases + `"}]`
	}
	js := `{
		"id": 1,
		"cash": {"percent": ` + jsonFloat(cashPercent) + `},
		"inventory": {"caffe": {"quantity": ` + jsonInt(slotQty) + `, "maximum": 10}},
		"openCases": ` + cases + `
	}`
	return []byte(js)
}

func jsonFloat(f float64) string {
	bs, _ := json.Marshal(f)
	return string(bs)
}

func jsonInt(i int) string {
	bs, _ := json.Marshal(i)
	return string(bs)
}

func TestMonitorCashAlert(t *testing.T) {
	_, fb := newTestMonitor(t)

	fb.inject("machines/1/stato/aggiornamento", update(0.5, 10, ""))
	if got := fb.alerts(t, "monitoraggio/alert/1"); len(got) != 0 {
		t.Fatalf("alerts %v for a healthy machine", got)
	}

	fb.inject("machines/1/stato/aggiornamento", update(0.95, 10, ""))
	alerts := fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 1 || alerts[0].Kind != "cassa_quasi_piena" || alerts[0].Severity != SeverityIntervention {
		t.Fatalf("bad alerts %v", alerts)
	}
	// The most severe alerts also raise an intervention request.
	if got := fb.alerts(t, "manutenzione/richieste/1"); len(got) != 1 {
		t.Fatalf("got %d intervention requests, wanted 1", len(got))
	}

	// Same condition again: no re-publication.
	fb.inject("machines/1/stato/aggiornamento", update(0.96, 10, ""))
	if got := fb.alerts(t, "monitoraggio/alert/1"); len(got) != 1 {
		t.Fatalf("condition re-published: %v", got)
	}

	// Recovery publishes a clear.
	fb.inject("machines/1/stato/aggiornamento", update(0.2, 10, ""))
	alerts = fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 2 || alerts[1].Severity != 0 {
		t.Fatalf("no clear event: %v", alerts)
	}
}

func TestMonitorRepublishesRetainedState(t *testing.T) {
	_, fb := newTestMonitor(t)

	body := update(0.5, 10, "")
	fb.inject("machines/1/stato/aggiornamento", body)

	fb.mu.Lock()
	var got *busMsg
	for i := range fb.msgs {
		if fb.msgs[i].topic == "machines/1/stato/monitoraggio" {
			got = &fb.msgs[i]
		}
	}
	fb.mu.Unlock()
	if got == nil {
		t.Fatal("state not republished on machines/1/stato/monitoraggio")
	}
	if !got.retained {
		t.Fatal("republished state is not retained")
	}
	var st struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(got.payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.ID != 1 {
		t.Fatalf("republished state %s lost the body", got.payload)
	}
}

func TestMonitorForwardsDeviceAlerts(t *testing.T) {
	_, fb := newTestMonitor(t)

	fb.inject("machines/1/cialde/avviso",
		[]byte(`{"slot":"caffe","level":"warning","quantity":3,"maximum":10}`))
	alerts := fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 1 || alerts[0].Severity != SeverityWarning || alerts[0].Kind != "cialde" {
		t.Fatalf("bad alerts %v, wanted one cialde warning", alerts)
	}

	fb.inject("machines/1/cialde/avviso",
		[]byte(`{"slot":"caffe","level":"critical","quantity":0,"maximum":10}`))
	alerts = fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 2 || alerts[1].Severity != SeverityIntervention {
		t.Fatalf("bad alerts %v, wanted a critical escalation", alerts)
	}
	if got := fb.alerts(t, "manutenzione/richieste/1"); len(got) != 1 {
		t.Fatalf("got %d intervention requests, wanted 1", len(got))
	}

	// Cash alerts carry no level; they are intervention-grade by
	// nature, and the device's type names the condition.
	fb.inject("machines/2/cassa/avviso",
		[]byte(`{"type":"cassa_quasi_piena","balance":46,"capacity":50}`))
	alerts = fb.alerts(t, "monitoraggio/alert/2")
	if len(alerts) != 1 || alerts[0].Severity != SeverityIntervention || alerts[0].Kind != "cassa_quasi_piena" {
		t.Fatalf("bad alerts %v", alerts)
	}
}

func TestMonitorSlotAlertEscalates(t *testing.T) {
	_, fb := newTestMonitor(t)

	fb.inject("machines/1/stato/aggiornamento", update(0.1, 2, ""))
	alerts := fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 1 || alerts[0].Severity != SeverityWarning {
		t.Fatalf("bad alerts %v, wanted one warning", alerts)
	}

	// Same condition at a higher severity is re-published.
	fb.inject("machines/1/stato/aggiornamento", update(0.1, 0, ""))
	alerts = fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 2 || alerts[1].Severity != SeverityIntervention {
		t.Fatalf("bad alerts %v, wanted an escalation", alerts)
	}
}

func TestMonitorOpenCases(t *testing.T) {
	_, fb := newTestMonitor(t)

	fb.inject("machines/1/stato/aggiornamento", update(0.1, 10, "MEDIA"))
	alerts := fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 1 || alerts[0].Kind != "manutenzione_aperta" || alerts[0].Severity != SeverityWarning {
		t.Fatalf("bad alerts %v", alerts)
	}

	fb.inject("machines/1/stato/aggiornamento", update(0.1, 10, "ALTA"))
	alerts = fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 2 || alerts[1].Severity != SeverityIntervention {
		t.Fatalf("bad alerts %v, wanted an escalation for ALTA", alerts)
	}
}

func TestMonitorPresence(t *testing.T) {
	_, fb := newTestMonitor(t)

	fb.inject("clients/machine-3/stato", []byte(bus.StatusOffline))
	alerts := fb.alerts(t, "monitoraggio/alert/3")
	if len(alerts) != 1 || alerts[0].Kind != "unreachable" || alerts[0].Severity != SeverityIntervention {
		t.Fatalf("bad alerts %v", alerts)
	}

	fb.inject("clients/machine-3/stato", []byte(bus.StatusOnline))
	alerts = fb.alerts(t, "monitoraggio/alert/3")
	if len(alerts) != 2 || alerts[1].Severity != 0 {
		t.Fatalf("no clear on reconnect: %v", alerts)
	}

	// Non-machine clients are not the monitor's business.  The
	// message count stays at three: the offline alert, its
	// intervention request, and the clear.
	fb.inject("clients/fleet-monitor/stato", []byte(bus.StatusOffline))
	fb.mu.Lock()
	n := len(fb.msgs)
	fb.mu.Unlock()
	if n != 3 {
		t.Fatalf("got %d messages, a non-machine client raised an alert", n)
	}
}

func TestMonitorSweepFlagsSilentMachines(t *testing.T) {
	m, fb := newTestMonitor(t)

	fb.inject("machines/1/stato/aggiornamento", update(0.1, 10, ""))
	m.Sweep()
	if got := fb.alerts(t, "monitoraggio/alert/1"); len(got) != 0 {
		t.Fatalf("alerts %v for a machine just seen", got)
	}

	time.Sleep(20 * time.Millisecond)
	m.Sweep()
	alerts := fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 1 || alerts[0].Kind != "unreachable" {
		t.Fatalf("bad alerts %v, wanted unreachable", alerts)
	}

	// A fresh update clears the condition.
	fb.inject("machines/1/stato/aggiornamento", update(0.1, 10, ""))
	alerts = fb.alerts(t, "monitoraggio/alert/1")
	if len(alerts) != 2 || alerts[1].Severity != 0 {
		t.Fatalf("no clear after recovery: %v", alerts)
	}
}
