// Package bolt persists revenue, sales, maintenance cases, and
// machine catalogs in a bbolt file.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caffenet/fleet/storage"

	bolt "go.etcd.io/bbolt"
)

var (
	revenueBucket     = []byte("ricavi")
	salesBucket       = []byte("vendite")
	maintenanceBucket = []byte("manutenzioni")
	catalogBucket     = []byte("cataloghi")
)

type Storage struct {
	filename string
	db       *bolt.DB
}

func NewStorage(filename string) (*Storage, error) {
	return &Storage{filename: filename}, nil
}

func (s *Storage) Open() error {
	opts := &bolt.Options{
		Timeout: time.Second,
	}
	db, err := bolt.Open(s.filename, 0644, opts)
	if err != nil {
		return err
	}
	s.db = db
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{revenueBucket, salesBucket, maintenanceBucket, catalogBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// appendRecord writes a JSON record under a per-bucket sequence key,
// which keeps insertion order for scans.
func appendRecord(tx *bolt.Tx, bucket []byte, rec interface{}) error {
	b := tx.Bucket(bucket)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	js, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, js)
}

type revenueRecord struct {
	MachineID int     `json:"machineId"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

type saleRecord struct {
	MachineID  int     `json:"machineId"`
	BeverageID int     `json:"beverageId"`
	Amount     float64 `json:"amount"`
	Timestamp  int64   `json:"timestamp"`
}

func (s *Storage) SaveRevenueRecord(ctx context.Context, machineID int, amount float64, timestamp int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendRecord(tx, revenueBucket, revenueRecord{machineID, amount, timestamp})
	})
}

func (s *Storage) SaveSaleRecord(ctx context.Context, machineID, beverageID int, amount float64, timestamp int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendRecord(tx, salesBucket, saleRecord{machineID, beverageID, amount, timestamp})
	})
}

func (s *Storage) SaveMaintenanceCase(ctx context.Context, c storage.MaintenanceCase) error {
	return s.putCase(c)
}

func (s *Storage) UpdateMaintenanceCase(ctx context.Context, c storage.MaintenanceCase) error {
	return s.putCase(c)
}

func (s *Storage) putCase(c storage.MaintenanceCase) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		js, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(maintenanceBucket).Put([]byte(c.ID), js)
	})
}

// GetMaintenanceCase is used by tests and by fleetd's case listing.
func (s *Storage) GetMaintenanceCase(id string) (*storage.MaintenanceCase, error) {
	var c storage.MaintenanceCase
	err := s.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(maintenanceBucket).Get([]byte(id))
		if bs == nil {
			return storage.NotFound
		}
		return json.Unmarshal(bs, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func catalogKey(machineID int) []byte {
	return []byte(fmt.Sprintf("%d", machineID))
}

// SaveMachineCatalog seeds or replaces a machine's catalog.  fleetd
// calls this at boot from its configuration.
func (s *Storage) SaveMachineCatalog(ctx context.Context, machineID int, cat *storage.Catalog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		js, err := json.Marshal(cat)
		if err != nil {
			return err
		}
		return tx.Bucket(catalogBucket).Put(catalogKey(machineID), js)
	})
}

func (s *Storage) LoadMachineCatalog(ctx context.Context, machineID int) (*storage.Catalog, error) {
	var cat storage.Catalog
	err := s.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(catalogBucket).Get(catalogKey(machineID))
		if bs == nil {
			return storage.NotFound
		}
		return json.Unmarshal(bs, &cat)
	})
	if err != nil {
		return nil, err
	}
	return &cat, nil
}

// Revenues returns all revenue records for a machine, in insertion
// order.
func (s *Storage) Revenues(machineID int) ([]float64, error) {
	amounts := make([]float64, 0, 8)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(revenueBucket).ForEach(func(_, v []byte) error {
			var rec revenueRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.MachineID == machineID {
				amounts = append(amounts, rec.Amount)
			}
			return nil
		})
	})
	return amounts, err
}
