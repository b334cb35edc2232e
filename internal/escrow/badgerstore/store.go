package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/itua234/gifty/internal/escrow"
	"github.com/itua234/gifty/internal/signal"
)

var (
	recordPrefix = []byte("rec:")
	signalPrefix = []byte("sig:")
	deadPrefix   = []byte("dead:")
	balPrefix    = []byte("bal:")
	nextIDKey    = []byte("meta:next_id")
	signalSeqKey = []byte("meta:signal_seq")
)

const maxConflictRetries = 16

// Store keeps records and outbox entries in an embedded badger database.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	locks  escrow.RecordLocks
	insert sync.Mutex
}

type deadEntry struct {
	Reason string       `json:"reason"`
	Event  signal.Event `json:"event"`
}

// Open opens the database at dir. An empty dir keeps everything in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence(signalSeqKey, 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("signal sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

func (s *Store) Close() error {
	relErr := s.seq.Release()
	return errors.Join(relErr, s.db.Close())
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store closed")
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, draft escrow.Record, fn escrow.MutateFunc) (escrow.Record, error) {
	s.insert.Lock()
	defer s.insert.Unlock()

	var rec escrow.Record
	err := s.update(func(txn *badger.Txn) error {
		last, err := readUint64(txn, nextIDKey)
		if err != nil {
			return err
		}
		rec = draft.Clone()
		rec.ID = last + 1

		var out escrow.Signals
		if fn != nil {
			if err := fn(s.withTxn(ctx, txn), &rec, &out); err != nil {
				return err
			}
		}
		if err := txn.Set(nextIDKey, encodeUint64(rec.ID)); err != nil {
			return err
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return s.stage(txn, out.Events())
	})
	if err != nil {
		return escrow.Record{}, err
	}
	return rec, nil
}

func (s *Store) Get(_ context.Context, id uint64) (escrow.Record, error) {
	var rec escrow.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	return rec, err
}

// Update runs fn under the record's lock. The context handed to fn carries
// the transaction, so the store's Ledger joins it.
func (s *Store) Update(ctx context.Context, id uint64, fn escrow.MutateFunc) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		var out escrow.Signals
		if err := fn(s.withTxn(ctx, txn), &rec, &out); err != nil {
			return err
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return s.stage(txn, out.Events())
	})
}

// update runs fn in a read-write transaction. Transactions that touch the
// same balance keys conflict at commit; fn is then run again on fresh state.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// FeesCollected scans every record.
func (s *Store) FeesCollected(_ context.Context) (*big.Int, error) {
	total := new(big.Int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec escrow.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Status == escrow.StatusClaimed && rec.Fee != nil {
				total.Add(total, rec.Fee)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

func (s *Store) Pending(_ context.Context, limit int) ([]signal.Entry, error) {
	var entries []signal.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = signalPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(entries) >= limit {
				return nil
			}
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(signalPrefix):])
			var evt signal.Event
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &evt)
			}); err != nil {
				return fmt.Errorf("decode signal %d: %w", seq, err)
			}
			entries = append(entries, signal.Entry{Seq: seq, Event: evt})
		}
		return nil
	})
	return entries, err
}

func (s *Store) MarkDelivered(_ context.Context, seq uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(signalPrefix, seq))
	})
}

func (s *Store) MarkDead(_ context.Context, seq uint64, reason string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(signalPrefix, seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		entry := deadEntry{Reason: reason}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry.Event)
		}); err != nil {
			return err
		}
		blob, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := txn.Set(key(deadPrefix, seq), blob); err != nil {
			return err
		}
		return txn.Delete(key(signalPrefix, seq))
	})
}

// Dead lists entries marked dead, keyed by sequence.
func (s *Store) Dead() (map[uint64]string, error) {
	out := make(map[uint64]string)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = deadPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var entry deadEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out[binary.BigEndian.Uint64(item.Key()[len(deadPrefix):])] = entry.Reason
		}
		return nil
	})
	return out, err
}

func (s *Store) stage(txn *badger.Txn, events []signal.Event) error {
	for _, evt := range events {
		n, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("next signal seq: %w", err)
		}
		blob, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode signal: %w", err)
		}
		if err := txn.Set(key(signalPrefix, n+1), blob); err != nil {
			return err
		}
	}
	return nil
}

func getRecord(txn *badger.Txn, id uint64) (escrow.Record, error) {
	item, err := txn.Get(key(recordPrefix, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return escrow.Record{}, escrow.ErrNotFound
	}
	if err != nil {
		return escrow.Record{}, err
	}
	var rec escrow.Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func putRecord(txn *badger.Txn, rec escrow.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	return txn.Set(key(recordPrefix, rec.ID), blob)
}

func readUint64(txn *badger.Txn, k []byte) (uint64, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %q", k)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func key(prefix []byte, n uint64) []byte {
	out := make([]byte, len(prefix)+8)
	copy(out, prefix)
	binary.BigEndian.PutUint64(out[len(prefix):], n)
	return out
}

func encodeUint64(n uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, n)
	return out
}
