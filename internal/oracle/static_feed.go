package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// StaticFeed serves a fixed rate. It backs local development and tests where
// no on-chain aggregator is configured.
type StaticFeed struct {
	mu      sync.RWMutex
	rate    *big.Int
	round   int64
	updated time.Time
}

func NewStaticFeed(rate *big.Int) *StaticFeed {
	f := &StaticFeed{}
	f.Set(rate)
	return f
}

// Set replaces the served rate and starts a new round.
func (f *StaticFeed) Set(rate *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rate != nil {
		rate = new(big.Int).Set(rate)
	}
	f.rate = rate
	f.round++
	f.updated = time.Now().UTC()
}

func (f *StaticFeed) Latest(_ context.Context) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.rate == nil || f.rate.Sign() <= 0 {
		return Quote{}, ErrInvalidRate
	}
	return Quote{
		Rate:      new(big.Int).Set(f.rate),
		RoundID:   big.NewInt(f.round),
		UpdatedAt: f.updated,
	}, nil
}
