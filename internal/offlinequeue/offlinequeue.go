// Package offlinequeue implements the bandwidth-aware offline report queue
// from spec §4.4: a capacity-bounded FIFO, persisted so queued reports
// survive a restart while disconnected, with oldest-first eviction once full
// and a flush operation that drains entries in order via a caller-supplied
// send function.
//
// Grounded on the teacher's internal/state store for the "open one *bolt.DB,
// one bucket per concern, read-then-mutate in separate transactions" idiom,
// adapted from sqlite rows to a bbolt bucket because FIFO-by-insertion-order
// is bbolt's native strength (monotonic NextSequence keys sort correctly
// under the default byte-ordered cursor, with no secondary index needed).
package offlinequeue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// DefaultCapacity is the maximum number of queued reports retained before
// oldest-first eviction kicks in (spec §4.4: "capacity (default 1000)").
const DefaultCapacity = 1000

var bucketName = []byte("offlinequeue")

// Queue is a persisted, capacity-bounded FIFO of opaque JSON-serializable
// entries.
type Queue struct {
	db       *bolt.DB
	capacity int
}

// Open opens (creating if absent) a bbolt-backed queue at path.
func Open(path string, capacity int) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening offline queue db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating offline queue bucket: %w", err)
	}
	return &Queue{db: db, capacity: capacity}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends entry to the tail of the queue, marshaling it as JSON.
// If the queue is at capacity, the oldest entry is dropped first (spec
// §4.4: "oldest entries are dropped to make room for new ones").
func (q *Queue) Enqueue(entry any) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling queue entry: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Stats().KeyN >= q.capacity {
			if err := evictOldest(b); err != nil {
				return err
			}
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating queue sequence: %w", err)
		}
		return b.Put(seqKey(seq), payload)
	})
}

func evictOldest(b *bolt.Bucket) error {
	c := b.Cursor()
	k, _ := c.First()
	if k == nil {
		return nil
	}
	return b.Delete(k)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Len reports the number of queued entries.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

// FlushOptions controls Flush behavior (spec §4.4 "flush semantics").
type FlushOptions struct {
	// MaxEntries caps how many entries a single Flush call drains; 0 means
	// unlimited.
	MaxEntries int
	// ContinueOnError, when true, skips a failing entry (removing it) and
	// continues draining; when false, Flush stops at the first failure and
	// leaves the remaining entries (including the failed one) in place.
	ContinueOnError bool
}

// SendFunc delivers a single dequeued, JSON-decoded-into-raw-bytes entry.
// The queue does not know the entry's concrete type; callers unmarshal
// payload themselves.
type SendFunc func(payload []byte) error

// Flush drains the queue from head to tail in FIFO order, calling send for
// each entry. Entries are deleted only after a successful send (or, with
// ContinueOnError, after a failed one too) — this is the teacher's
// read-then-mutate two-phase pattern: each head entry is read in its own
// read transaction, and after send returns it is deleted in a separate
// write transaction, so a crash mid-flush never loses an entry. A crash
// between a successful send and its delete leaves that entry queued, and
// the next Flush sends it again.
func (q *Queue) Flush(send SendFunc, opts FlushOptions) (sent int, err error) {
	for opts.MaxEntries == 0 || sent < opts.MaxEntries {
		key, payload, ok, err := q.peek()
		if err != nil {
			return sent, err
		}
		if !ok {
			return sent, nil
		}

		sendErr := send(payload)
		if sendErr != nil && !opts.ContinueOnError {
			return sent, sendErr
		}

		if delErr := q.delete(key); delErr != nil {
			return sent, delErr
		}
		if sendErr == nil {
			sent++
		}
	}
	return sent, nil
}

func (q *Queue) peek() (key, payload []byte, ok bool, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		ok = true
		key = append([]byte(nil), k...)
		payload = append([]byte(nil), v...)
		return nil
	})
	return key, payload, ok, err
}

func (q *Queue) delete(key []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}
