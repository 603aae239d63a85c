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

// Package storage defines the persistence contract the device layer
// talks to.  The device layer never issues SQL (or any other query
// language) itself; it calls these operations and treats failures as
// non-fatal for state that has already taken effect locally.
package storage

import (
	"context"
	"errors"
)

var NotFound = errors.New("not found")

// Beverage is one dispensable product.
type Beverage struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Catalog is what a machine serves: its beverages and, per beverage,
// the cartridge slots a dispense consumes.
type Catalog struct {
	Beverages map[int]Beverage `json:"beverages"`
	Recipes   map[int][]string `json:"recipes"`
}

// MaintenanceCase is the persisted form of an open or resolved
// maintenance problem.  Timestamps are epoch milliseconds.
type MaintenanceCase struct {
	ID          string `json:"id"`
	MachineID   int    `json:"machineId"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	OpenedAt    int64  `json:"openedAt"`
	Assignee    string `json:"assignee,omitempty"`
	ResolvedAt  int64  `json:"resolvedAt,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

// Store is the repository contract.
type Store interface {
	SaveRevenueRecord(ctx context.Context, machineID int, amount float64, timestamp int64) error
	SaveSaleRecord(ctx context.Context, machineID, beverageID int, amount float64, timestamp int64) error
	SaveMaintenanceCase(ctx context.Context, c MaintenanceCase) error
	UpdateMaintenanceCase(ctx context.Context, c MaintenanceCase) error
	LoadMachineCatalog(ctx context.Context, machineID int) (*Catalog, error)
}
