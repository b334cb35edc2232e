package idempotency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := Record{
		RequestHash: "h1",
		StatusCode:  201,
		Response:    []byte("ok"),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" {
		t.Fatalf("unexpected record: %+v", got)
	}

	expired := record
	expired.ExpiresAt = time.Now().Add(-time.Second)
	_ = store.Save(ctx, "old", expired)
	if got, _ := store.Get(ctx, "old"); got != nil {
		t.Fatalf("expired record returned")
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	record := Record{
		RequestHash: "h",
		StatusCode:  201,
		Response:    []byte("resp"),
		CreatedAt:   time.Unix(0, 0),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "key", record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" || got.RequestHash != "h" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestLookupDetectsMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	claim := HashRequest("POST", "/api/v1/records/1/claim", "0xabc", []byte(`{"secret":"a"}`))
	other := HashRequest("POST", "/api/v1/records/2/claim", "0xabc", []byte(`{"secret":"a"}`))
	if claim == other {
		t.Fatalf("different paths must hash differently")
	}

	if rec, err := Lookup(ctx, store, "k", claim); rec != nil || err != nil {
		t.Fatalf("expected miss, got %v %v", rec, err)
	}

	_ = store.Save(ctx, "k", Record{RequestHash: claim, StatusCode: 200, Response: []byte("{}"), ExpiresAt: time.Now().Add(time.Minute)})

	rec, err := Lookup(ctx, store, "k", claim)
	if err != nil || rec == nil || rec.StatusCode != 200 {
		t.Fatalf("expected replay, got %v %v", rec, err)
	}
	if _, err := Lookup(ctx, store, "k", other); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func pendingFor(hash string, ttl time.Duration) Record {
	now := time.Now()
	return Record{RequestHash: hash, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

func TestReserveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	file, err := NewFileStore(filepath.Join(t.TempDir(), "idem.json"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	for name, store := range map[string]Store{"memory": NewMemoryStore(), "file": file} {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.Reserve(ctx, "create:0xabc:k", pendingFor("h", time.Minute))
					if err != nil {
						t.Errorf("reserve: %v", err)
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if wins.Load() != 1 {
				t.Fatalf("expected one reservation, got %d", wins.Load())
			}
			if _, err := Lookup(ctx, store, "create:0xabc:k", "h"); !errors.Is(err, ErrInFlight) {
				t.Fatalf("expected in flight, got %v", err)
			}
			if _, err := Lookup(ctx, store, "create:0xabc:k", "other"); !errors.Is(err, ErrKeyMismatch) {
				t.Fatalf("expected mismatch while pending, got %v", err)
			}
		})
	}
}

func TestReleaseKeepsCompletedRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := store.Reserve(ctx, "k", pendingFor("h", time.Minute)); !ok {
		t.Fatalf("first reservation refused")
	}
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := store.Reserve(ctx, "k", pendingFor("h", time.Minute)); !ok {
		t.Fatalf("released key should be reservable")
	}

	done := pendingFor("h", time.Minute)
	done.StatusCode = 201
	done.Response = []byte("{}")
	_ = store.Save(ctx, "k", done)
	_ = store.Release(ctx, "k")
	rec, err := Lookup(ctx, store, "k", "h")
	if err != nil || rec == nil || rec.StatusCode != 201 {
		t.Fatalf("release dropped a completed record: %v %v", rec, err)
	}
	if ok, _ := store.Reserve(ctx, "k", pendingFor("h", time.Minute)); ok {
		t.Fatalf("completed key must not be reserved again")
	}

	if ok, _ := store.Reserve(ctx, "stale", pendingFor("h", -time.Second)); !ok {
		t.Fatalf("reserve refused")
	}
	if ok, _ := store.Reserve(ctx, "stale", pendingFor("h", time.Minute)); !ok {
		t.Fatalf("expired reservation should be taken over")
	}
}
