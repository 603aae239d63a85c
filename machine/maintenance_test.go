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

import "testing"

func TestMaintenanceDedupByType(t *testing.T) {
	fb := &fakeBus{}
	fs := &fakeStore{}
	m := NewMaintenance(1, fb, 0, fs)

	id1, opened := m.OpenCase("CIALDE_ESAURITE", "slot caffe empty", SeverityHigh)
	if !opened || id1 == "" {
		t.Fatalf("first case not opened: %q %v", id1, opened)
	}
	id2, opened := m.OpenCase("CIALDE_ESAURITE", "slot latte empty", SeverityHigh)
	if opened {
		t.Fatal("duplicate type opened a second case")
	}
	if id2 != id1 {
		t.Fatalf("duplicate reported id %q, wanted the existing %q", id2, id1)
	}
	if _, opened := m.OpenCase("GUASTO_POMPA", "no pressure", SeverityMedium); !opened {
		t.Fatal("distinct type refused")
	}
	if got := len(m.ListOpen()); got != 2 {
		t.Fatalf("got %d open cases, wanted 2", got)
	}

	fs.mu.Lock()
	persisted := len(fs.cases)
	fs.mu.Unlock()
	if persisted != 2 {
		t.Fatalf("persisted %d cases, wanted 2", persisted)
	}
}

func TestMaintenanceResolve(t *testing.T) {
	fb := &fakeBus{}
	fs := &fakeStore{}
	m := NewMaintenance(1, fb, 0, fs)

	id, _ := m.OpenCase("CIALDE_ESAURITE", "slot caffe empty", SeverityHigh)
	if !m.ResolveCase(id, "restocked", "mario") {
		t.Fatal("resolution refused")
	}
	if got := len(m.ListOpen()); got != 0 {
		t.Fatalf("got %d open cases after resolution", got)
	}
	if m.ResolveCase(id, "again", "mario") {
		t.Fatal("resolved an already-resolved case")
	}
	// Same type can open again once the old case closed.
	if _, opened := m.OpenCase("CIALDE_ESAURITE", "empty again", SeverityHigh); !opened {
		t.Fatal("type still blocked after resolution")
	}

	fs.mu.Lock()
	updates := make([]string, 0, len(fs.updates))
	for _, c := range fs.updates {
		updates = append(updates, c.Resolution)
	}
	fs.mu.Unlock()
	if len(updates) != 1 || updates[0] != "restocked" {
		t.Fatalf("bad persisted resolutions %v", updates)
	}
	resp := fb.last(t, "machines/1/manutenzione/risoluzione/risposta")
	if resp["assignee"] != "mario" {
		t.Fatalf("bad resolution event %v", resp)
	}
}

func TestMaintenanceHighSeverityAlertsImmediately(t *testing.T) {
	fb := &fakeBus{}
	m := NewMaintenance(1, fb, 0, &fakeStore{})

	m.OpenCase("GUASTO_POMPA", "no pressure", SeverityMedium)
	if got := fb.count("machines/1/manutenzione/avviso"); got != 0 {
		t.Fatalf("got %d alerts for a medium case", got)
	}
	m.OpenCase("CIALDE_ESAURITE", "slot caffe empty", SeverityHigh)
	if got := fb.count("machines/1/manutenzione/avviso"); got != 1 {
		t.Fatalf("got %d alerts for a high case, wanted 1", got)
	}
}

func TestMaintenanceUrgencyCheck(t *testing.T) {
	fb := &fakeBus{}
	m := NewMaintenance(1, fb, 0, &fakeStore{})

	m.UrgencyCheck()
	if got := fb.count("machines/1/manutenzione/avviso"); got != 0 {
		t.Fatalf("got %d alerts with nothing open", got)
	}

	m.OpenCase("GUASTO_POMPA", "no pressure", SeverityMedium)
	m.UrgencyCheck()
	alert := fb.last(t, "machines/1/manutenzione/avviso")
	if alert["type"] != "INTERVENTO_RICHIESTO" || alert["openCases"] != 1.0 {
		t.Fatalf("bad urgency alert %v", alert)
	}
}
