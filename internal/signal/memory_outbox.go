package signal

import (
	"context"
	"sync"
)

// MemoryOutbox is an in-process Outbox.
type MemoryOutbox struct {
	mu      sync.Mutex
	seq     uint64
	pending []Entry
	dead    map[uint64]string
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{dead: make(map[uint64]string)}
}

// Append enqueues events in order.
func (o *MemoryOutbox) Append(events ...Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, evt := range events {
		o.seq++
		o.pending = append(o.pending, Entry{Seq: o.seq, Event: evt})
	}
}

func (o *MemoryOutbox) Pending(_ context.Context, limit int) ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, o.pending[:n])
	return out, nil
}

func (o *MemoryOutbox) MarkDelivered(_ context.Context, seq uint64) error {
	o.remove(seq)
	return nil
}

func (o *MemoryOutbox) MarkDead(_ context.Context, seq uint64, reason string) error {
	o.remove(seq)
	o.mu.Lock()
	o.dead[seq] = reason
	o.mu.Unlock()
	return nil
}

// Dead reports entries marked dead with their reason.
func (o *MemoryOutbox) Dead() map[uint64]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[uint64]string, len(o.dead))
	for k, v := range o.dead {
		out[k] = v
	}
	return out
}

func (o *MemoryOutbox) remove(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, entry := range o.pending {
		if entry.Seq == seq {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}
