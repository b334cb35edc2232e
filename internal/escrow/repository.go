package escrow

import (
	"context"
	"math/big"
	"sync"

	"github.com/itua234/gifty/internal/signal"
)

// Signals collects events staged by a mutation. A repository commits them
// together with the record, or drops them when the mutation fails.
type Signals struct {
	events []signal.Event
}

func (s *Signals) Emit(evt signal.Event) {
	s.events = append(s.events, evt)
}

func (s *Signals) Events() []signal.Event {
	return s.events
}

// MutateFunc edits rec in place. ctx carries the repository's transaction,
// so a ledger backed by the same store can join it. Returning an error aborts
// the unit of work.
type MutateFunc func(ctx context.Context, rec *Record, out *Signals) error

// Repository persists records. Update gives fn exclusive access to one record
// for the duration of the call; operations on different records may run in
// parallel.
type Repository interface {
	// Insert assigns the next id to draft, runs fn and persists the result.
	Insert(ctx context.Context, draft Record, fn MutateFunc) (Record, error)
	Get(ctx context.Context, id uint64) (Record, error)
	Update(ctx context.Context, id uint64, fn MutateFunc) error
	// FeesCollected sums the fee withheld across all claimed records.
	FeesCollected(ctx context.Context) (*big.Int, error)
}

// RecordLocks hands out one mutex per record id and drops it once unused.
type RecordLocks struct {
	mu    sync.Mutex
	locks map[uint64]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until id is free and returns the matching unlock.
func (l *RecordLocks) Lock(id uint64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uint64]*recordLock)
	}
	lk, ok := l.locks[id]
	if !ok {
		lk = &recordLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// MemoryRepository keeps records in process memory and stages signals in an
// in-memory outbox.
type MemoryRepository struct {
	*signal.MemoryOutbox

	mu      sync.RWMutex
	records map[uint64]Record
	nextID  uint64
	fees    *big.Int
	locks   RecordLocks
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		MemoryOutbox: signal.NewMemoryOutbox(),
		records:      make(map[uint64]Record),
		fees:         new(big.Int),
	}
}

func (m *MemoryRepository) Insert(ctx context.Context, draft Record, fn MutateFunc) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := draft.Clone()
	rec.ID = m.nextID + 1
	var out Signals
	if fn != nil {
		if err := fn(ctx, &rec, &out); err != nil {
			return Record{}, err
		}
	}
	m.nextID = rec.ID
	m.records[rec.ID] = rec.Clone()
	m.Append(out.Events()...)
	return rec, nil
}

func (m *MemoryRepository) Get(_ context.Context, id uint64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryRepository) Update(ctx context.Context, id uint64, fn MutateFunc) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	rec := current.Clone()
	var out Signals
	if err := fn(ctx, &rec, &out); err != nil {
		return err
	}

	m.mu.Lock()
	m.records[id] = rec.Clone()
	if !current.Claimed() && rec.Claimed() && rec.Fee != nil {
		m.fees.Add(m.fees, rec.Fee)
	}
	m.mu.Unlock()

	m.Append(out.Events()...)
	return nil
}

func (m *MemoryRepository) FeesCollected(_ context.Context) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.fees), nil
}
