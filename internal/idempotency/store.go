package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrKeyMismatch means a key was reused with a different request.
	ErrKeyMismatch = errors.New("idempotency key reused with a different request")
	// ErrInFlight means another request holding the same key has not finished.
	ErrInFlight = errors.New("request with this idempotency key is in flight")
)

// Record holds a stored response and the hash of the request that produced it.
type Record struct {
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Pending reports whether the record is a reservation with no response yet.
func (r Record) Pending() bool {
	return r.StatusCode == 0
}

// Store abstracts idempotency persistence. Get returns nil for missing or
// expired keys.
//
// Reserve claims key for a request about to run. It stores record as a
// pending entry and reports false when the key is already held by an entry
// that has not expired. Release drops a pending entry so the key can be
// retried; completed entries are kept.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Reserve(ctx context.Context, key string, record Record) (bool, error)
	Release(ctx context.Context, key string) error
}

// HashRequest fingerprints the parts of a request that must match on replay.
func HashRequest(method, path, caller string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{method, path, caller} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the stored response for key, ErrKeyMismatch when the key
// was first used for a different request, or ErrInFlight when the first
// request is still running.
func Lookup(ctx context.Context, store Store, key, requestHash string) (*Record, error) {
	rec, err := store.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.RequestHash != requestHash {
		return nil, ErrKeyMismatch
	}
	if rec.Pending() {
		return nil, ErrInFlight
	}
	return rec, nil
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, record Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.data[key]; ok && !time.Now().After(held.ExpiresAt) {
		return false, nil
	}
	record.StatusCode = 0
	m.data[key] = record
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.data[key]; ok && held.Pending() {
		delete(m.data, key)
	}
	return nil
}

// FileStore persists records to a JSON file. Suitable for a single instance.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(record.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Reserve(_ context.Context, key string, record Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if held, ok := f.data[key]; ok && !time.Now().After(held.ExpiresAt) {
		return false, nil
	}
	record.StatusCode = 0
	f.data[key] = record
	if err := f.persist(); err != nil {
		delete(f.data, key)
		return false, err
	}
	return true, nil
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	held, ok := f.data[key]
	if !ok || !held.Pending() {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}
