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

package main

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/caffenet/fleet/bus"
	"github.com/caffenet/fleet/machine"
	"github.com/caffenet/fleet/storage"

	"github.com/jsccast/yaml"
)

// Config is fleetd's YAML configuration.  Durations are strings in
// time.ParseDuration syntax ("5s", "2m").
type Config struct {
	Broker struct {
		URL          string `yaml:"url"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		CAFile       string `yaml:"caFile"`
		CertFile     string `yaml:"certFile"`
		KeyFile      string `yaml:"keyFile"`
		Insecure     bool   `yaml:"insecure"`
		QoS          byte   `yaml:"qos"`
		CleanSession bool   `yaml:"cleanSession"`
		KeepAlive    string `yaml:"keepAlive"`
		BackoffBase  string `yaml:"backoffBase"`
		MaxAttempts  int    `yaml:"maxAttempts"`
	} `yaml:"broker"`

	Store string `yaml:"store"`

	Machines []MachineConfig `yaml:"machines"`

	Cron struct {
		Maintenance string `yaml:"maintenance"`
		Monitoring  string `yaml:"monitoring"`
	} `yaml:"cron"`

	Monitor struct {
		CashPercent float64 `yaml:"cashPercent"`
		SlotPercent float64 `yaml:"slotPercent"`
		StaleAfter  string  `yaml:"staleAfter"`
	} `yaml:"monitor"`

	Bridge *BridgeConfig `yaml:"bridge"`
}

type MachineConfig struct {
	ID                int                           `yaml:"id"`
	Capacity          float64                       `yaml:"capacity"`
	CashAlertFraction float64                       `yaml:"cashAlertFraction"`
	PrepareDelay      string                        `yaml:"prepareDelay"`
	PrepareTimeout    string                        `yaml:"prepareTimeout"`
	Slots             map[string]machine.SlotConfig `yaml:"slots"`
	Beverages         []BeverageConfig              `yaml:"beverages"`
}

type BeverageConfig struct {
	ID     int      `yaml:"id"`
	Name   string   `yaml:"name"`
	Price  float64  `yaml:"price"`
	Recipe []string `yaml:"recipe"`
}

// BridgeConfig wires the local broker to a remote WebSocket gateway.
type BridgeConfig struct {
	ID     string     `yaml:"id"`
	Local  SideConfig `yaml:"local"`
	Remote SideConfig `yaml:"remote"`
}

type SideConfig struct {
	URL      string   `yaml:"url"` // remote side only
	Prefix   string   `yaml:"prefix"`
	Patterns []string `yaml:"patterns"`
	QoS      byte     `yaml:"qos"`
}

func LoadConfig(filename string) (*Config, error) {
	bs, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if cfg.Broker.URL == "" {
		cfg.Broker.URL = "tcp://localhost:1883"
	}
	if cfg.Store == "" {
		cfg.Store = "fleet.db"
	}
	if len(cfg.Machines) == 0 {
		return nil, fmt.Errorf("%s: no machines configured", filename)
	}
	return &cfg, nil
}

func duration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// Policy builds the connection policy the registry hands to every
// client it creates.
func (cfg *Config) Policy() (bus.Policy, error) {
	p := bus.Policy{
		BrokerURL:    cfg.Broker.URL,
		Username:     cfg.Broker.Username,
		Password:     cfg.Broker.Password,
		CAFile:       cfg.Broker.CAFile,
		CertFile:     cfg.Broker.CertFile,
		KeyFile:      cfg.Broker.KeyFile,
		Insecure:     cfg.Broker.Insecure,
		QoS:          cfg.Broker.QoS,
		CleanSession: cfg.Broker.CleanSession,
		MaxAttempts:  cfg.Broker.MaxAttempts,
	}
	var err error
	if p.KeepAlive, err = duration(cfg.Broker.KeepAlive, 0); err != nil {
		return p, fmt.Errorf("broker.keepAlive: %w", err)
	}
	if p.BackoffBase, err = duration(cfg.Broker.BackoffBase, 0); err != nil {
		return p, fmt.Errorf("broker.backoffBase: %w", err)
	}
	return p, nil
}

// MachineConfig.Runtime converts the YAML shape to the machine
// package's config.
func (mc MachineConfig) Runtime(qos byte) (machine.Config, error) {
	out := machine.Config{
		ID:                mc.ID,
		Capacity:          mc.Capacity,
		CashAlertFraction: mc.CashAlertFraction,
		QoS:               qos,
		Slots:             mc.Slots,
	}
	var err error
	if out.PrepareDelay, err = duration(mc.PrepareDelay, 0); err != nil {
		return out, fmt.Errorf("machine %d: prepareDelay: %w", mc.ID, err)
	}
	if out.PrepareTimeout, err = duration(mc.PrepareTimeout, 0); err != nil {
		return out, fmt.Errorf("machine %d: prepareTimeout: %w", mc.ID, err)
	}
	return out, nil
}

// Catalog converts the configured beverages to the persisted catalog
// shape.
func (mc MachineConfig) Catalog() *storage.Catalog {
	cat := &storage.Catalog{
		Beverages: make(map[int]storage.Beverage, len(mc.Beverages)),
		Recipes:   make(map[int][]string, len(mc.Beverages)),
	}
	for _, b := range mc.Beverages {
		cat.Beverages[b.ID] = storage.Beverage{ID: b.ID, Name: b.Name, Price: b.Price}
		cat.Recipes[b.ID] = b.Recipe
	}
	return cat
}
