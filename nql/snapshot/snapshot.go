// Package snapshot provides an optional BadgerDB-backed dump of derived
// result events, for offline inspection (a CLI operator replaying what a
// query emitted during a run). It intentionally does not restore an
// engine's live bucket/buffer state: cross-restart persistence of query
// state is out of scope; this store only ever writes already-emitted
// events, and reading it back produces a replay log, never a resumed
// World.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/dajobe/nqlstream/nql/event"
	"github.com/dajobe/nqlstream/nql/value"
)

// record is the on-disk JSON shape for one captured event.
type record struct {
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	Timestamp int64     `json:"timestamp"`
	Payload   value.Map `json:"payload"`
}

// Store appends derived events to an on-disk BadgerDB instance, keyed by a
// monotonically increasing sequence number so iteration replays events in
// emission order.
type Store struct {
	db  *badger.DB
	seq uint64
}

// Open creates or reopens a diagnostic store rooted at path. memLimitBytes,
// when positive, bounds Badger's in-memory table size (performance.memory_limit);
// zero selects Badger's own default.
func Open(path string, memLimitBytes int64) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	if memLimitBytes > 0 {
		opts.MemTableSize = memLimitBytes
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open badger at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records evt as the next entry. It is a diagnostic sink, not a
// write path any query logic depends on — callers typically wire it as an
// optional World emit-callback tee.
func (s *Store) Append(evt *event.Event) error {
	s.seq++
	rec := record{
		Seq:       s.seq,
		Kind:      evt.Kind.String(),
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("snapshot: marshal event %d: %w", s.seq, err)
	}
	key := encodeSeq(s.seq)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Replay invokes fn once per recorded event, in emission order, stopping
// early if fn returns an error.
func (s *Store) Replay(fn func(seq uint64, kind string, ts int64, payload value.Map) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec record
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("snapshot: decode entry: %w", err)
			}
			if err := fn(rec.Seq, rec.Kind, rec.Timestamp, value.Normalize(rec.Payload).(value.Map)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of entries recorded in this store.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func encodeSeq(seq uint64) []byte {
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[7-i] = byte(seq >> (8 * i))
	}
	return key
}
