// Package usage records per-key, per-model dispatch counts in a local bbolt
// database. The JSON key registry keeps the authoritative usage counters for
// limit enforcement; this store keeps the append-only per-day history the
// admin API surfaces.
package usage

import (
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var usageBucket = []byte("usage")

// Store is the bbolt-backed usage history.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the usage database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(usageBucket)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize usage database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record increments the counter for (today, keyName, model). Failures are
// logged, not propagated; usage history is an observability aid, never a
// reason to fail a request.
func (s *Store) Record(keyName, model string) {
	if s == nil {
		return
	}
	day := time.Now().Format("2006-01-02")
	entry := []byte(fmt.Sprintf("%s/%s/%s", day, keyName, model))

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(usageBucket)
		count := uint64(0)
		if existing := bucket.Get(entry); existing != nil {
			count = binary.BigEndian.Uint64(existing)
		}
		value := make([]byte, 8)
		binary.BigEndian.PutUint64(value, count+1)
		return bucket.Put(entry, value)
	})
	if err != nil {
		log.Errorf("failed to record usage for %s/%s: %v", keyName, model, err)
	}
}

// DayEntry is one (key, model) counter for one day.
type DayEntry struct {
	Day   string `json:"day"`
	Key   string `json:"key"`
	Model string `json:"model"`
	Count uint64 `json:"count"`
}

// History returns every recorded counter, most recent day first within the
// natural bucket order.
func (s *Store) History() ([]DayEntry, error) {
	var entries []DayEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usageBucket).ForEach(func(k, v []byte) error {
			parts := splitKey(string(k))
			if parts == nil {
				return nil
			}
			entries = append(entries, DayEntry{
				Day:   parts[0],
				Key:   parts[1],
				Model: parts[2],
				Count: binary.BigEndian.Uint64(v),
			})
			return nil
		})
	})
	return entries, err
}

func splitKey(k string) []string {
	first := -1
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}
	last := -1
	for i := len(k) - 1; i > first; i-- {
		if k[i] == '/' {
			last = i
			break
		}
	}
	if last < 0 || last == first {
		return nil
	}
	return []string{k[:first], k[first+1 : last], k[last+1:]}
}
