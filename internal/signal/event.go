package signal

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	KindCreated                  Kind = "Created"
	KindClaimedDirect            Kind = "ClaimedDirect"
	KindClaimRequestedViaChannel Kind = "ClaimRequestedViaChannel"
	KindReclaimed                Kind = "Reclaimed"
	KindFeeCollected             Kind = "FeeCollected"
)

// Event is a signal for off-chain collaborators. Party is the funder,
// claimant or fee collector depending on Kind. Amount is the funded amount,
// net payout, refund or fee respectively.
type Event struct {
	Kind            Kind           `json:"kind"`
	RecordID        uint64         `json:"recordId"`
	Party           common.Address `json:"party"`
	Amount          *big.Int       `json:"amount"`
	Channel         string         `json:"channel,omitempty"`
	ChannelDetails  string         `json:"channelDetails,omitempty"`
	ReferenceAmount *big.Int       `json:"referenceAmount,omitempty"`
	AssetAmount     *big.Int       `json:"assetAmount,omitempty"`
	Rate            *big.Int       `json:"rate,omitempty"`
	RateUpdatedAt   *time.Time     `json:"rateUpdatedAt,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ID is stable per record and kind; consumers use it as an idempotency key.
func (e Event) ID() string {
	return fmt.Sprintf("%s:%d", e.Kind, e.RecordID)
}

// Publisher delivers events to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type PublisherFunc func(ctx context.Context, evt Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Multi publishes to every publisher in order and stops at the first error.
func Multi(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, evt Event) error {
		for _, p := range pubs {
			if err := p.Publish(ctx, evt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
