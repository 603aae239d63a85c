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

// fleetd runs a fleet of vending machines against one MQTT broker:
// one bus client per machine, a fleet monitor, cron-driven
// maintenance and monitoring sweeps, and optionally a bridge to a
// remote WebSocket gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caffenet/fleet/bridge"
	"github.com/caffenet/fleet/bus"
	"github.com/caffenet/fleet/machine"
	"github.com/caffenet/fleet/monitor"
	"github.com/caffenet/fleet/storage/bolt"
	"github.com/caffenet/fleet/util"

	"github.com/gorhill/cronexpr"
)

func main() {

	var (
		configFile = flag.String("c", "fleet.yaml", "configuration filename")
	)
	flag.BoolVar(&util.Logging, "v", false, "log lots of wonderful things")
	flag.Parse()

	if err := run(*configFile); err != nil {
		log.Fatal(err)
	}
}

func run(configFile string) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	store, err := bolt.NewStorage(cfg.Store)
	if err != nil {
		return err
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("store %s: %w", cfg.Store, err)
	}
	defer store.Close() // ToDo: Check error.

	// The configuration is the catalog's source of truth at boot.
	ctx := context.Background()
	for _, mc := range cfg.Machines {
		if err := store.SaveMachineCatalog(ctx, mc.ID, mc.Catalog()); err != nil {
			return fmt.Errorf("machine %d catalog: %w", mc.ID, err)
		}
	}

	reg := bus.NewRegistry(policy)
	defer reg.DisconnectAll()

	stop := make(chan struct{})

	machines := make([]*machine.Machine, 0, len(cfg.Machines))
	for _, mc := range cfg.Machines {
		rcfg, err := mc.Runtime(policy.QoS)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("machine-%d", mc.ID)
		c, err := reg.GetOrCreate(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		c.OnFatal = func(name string) func(error) {
			return func(err error) {
				log.Printf("fleetd: connection %s is gone: %s", name, err)
			}
		}(name)
		m, err := machine.New(rcfg, c, store)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		machines = append(machines, m)
		util.Logf("fleetd: machine %d up", mc.ID)
	}

	monClient, err := reg.GetOrCreate("fleet-monitor")
	if err != nil {
		return err
	}
	mon := monitor.New(monClient, monitorConfig(cfg, policy.QoS))
	if err := mon.Start(); err != nil {
		return err
	}

	if cfg.Bridge != nil {
		if err := startBridge(reg, cfg.Bridge); err != nil {
			return err
		}
	}

	if cfg.Cron.Maintenance != "" {
		err := cron(stop, "maintenance", cfg.Cron.Maintenance, func() {
			for _, m := range machines {
				m.Maintenance.UrgencyCheck()
			}
		})
		if err != nil {
			return err
		}
	}
	if cfg.Cron.Monitoring != "" {
		err := cron(stop, "monitoring", cfg.Cron.Monitoring, func() {
			mon.Sweep()
			for _, m := range machines {
				m.PublishState()
			}
		})
		if err != nil {
			return err
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("fleetd: %s; shutting down", s)
	close(stop)
	return nil
}

func monitorConfig(cfg *Config, qos byte) monitor.Config {
	mc := monitor.Config{
		CashPercent: cfg.Monitor.CashPercent,
		SlotPercent: cfg.Monitor.SlotPercent,
		QoS:         qos,
	}
	if d, err := duration(cfg.Monitor.StaleAfter, 0); err == nil {
		mc.StaleAfter = d
	} else {
		log.Printf("fleetd: bad monitor.staleAfter %q ignored: %s", cfg.Monitor.StaleAfter, err)
	}
	return mc
}

func startBridge(reg *bus.Registry, bc *BridgeConfig) error {
	local, err := reg.GetOrCreate("bridge-" + bc.ID)
	if err != nil {
		return err
	}
	remote, err := bus.DialWS(bc.Remote.URL)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", bc.ID, err)
	}
	br, err := bridge.New(bc.ID,
		bridge.Side{
			Name:     "local",
			Bus:      local,
			Patterns: bc.Local.Patterns,
			Prefix:   bc.Local.Prefix,
			QoS:      bc.Local.QoS,
		},
		bridge.Side{
			Name:     "remote",
			Bus:      remote,
			Patterns: bc.Remote.Patterns,
			Prefix:   bc.Remote.Prefix,
			QoS:      bc.Remote.QoS,
		})
	if err != nil {
		return err
	}
	return br.Start()
}

// cron runs fn on a crontab schedule until stop closes.
func cron(stop chan struct{}, name, schedule string, fn func()) error {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return fmt.Errorf("cron %s %q: %w", name, schedule, err)
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				log.Printf("fleetd: cron %s has no next run; stopping", name)
				return
			}
			t := time.NewTimer(time.Until(next))
			select {
			case <-stop:
				t.Stop()
				return
			case <-t.C:
				util.Logf("fleetd: cron %s fired", name)
				fn()
			}
		}
	}()
	return nil
}
