// Package ledger keeps a history of backup results in a bbolt database.
// Each entry gets its own bucket; records are keyed by a monotonically
// increasing sequence so iteration order is insertion order.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// bucketEntries holds one nested bucket per backup entry name
var bucketEntries = []byte("entries")

// Record is the outcome of one entry in one run
type Record struct {
	RunID       string    `json:"run_id"`
	Entry       string    `json:"entry"`
	Time        time.Time `json:"time"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Latest      string    `json:"latest,omitempty"`
	ArchivedTo  string    `json:"archived_to,omitempty"`
}

// DB is an open ledger
type DB struct {
	db *bbolt.DB
}

// Open opens or creates the ledger at path
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	return &DB{db: db}, nil
}

// Close releases the database file
func (d *DB) Close() error {
	return d.db.Close()
}

// Append stores records in a single transaction
func (d *DB) Append(records ...Record) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketEntries)
		for _, r := range records {
			b, err := root.CreateBucketIfNotExists([]byte(r.Entry))
			if err != nil {
				return fmt.Errorf("bucket for %s: %w", r.Entry, err)
			}
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// History returns up to limit records of entry, newest first. A limit of
// zero or less returns all records.
func (d *DB) History(entry string, limit int) ([]Record, error) {
	var records []Record
	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries).Bucket([]byte(entry))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt record %x in %s: %w", k, entry, err)
			}
			records = append(records, r)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Entries returns the names of all entries with recorded history, sorted
func (d *DB) Entries() ([]string, error) {
	var names []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			// nested buckets have a nil value
			if v == nil {
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
