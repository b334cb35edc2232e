package escrow

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrNotAuthorized    = errors.New("caller not authorized")
	ErrAlreadyFinalized = errors.New("record already finalized")
	ErrInvalidSecret    = errors.New("invalid secret")
	ErrZeroAmount       = errors.New("amount must be greater than zero")
	ErrInvalidFunder    = errors.New("invalid funder")
	ErrInvalidClaimant  = errors.New("invalid claimant")
	ErrNotYetExpired    = errors.New("record not yet expired")
	ErrPayoutFailed     = errors.New("payout failed")
	ErrInvalidChannel   = errors.New("invalid settlement channel")
	ErrInvalidFeeRate   = errors.New("fee rate out of range")
	ErrAmountOverflow   = errors.New("amount exceeds 256 bits")
)

// Status is the lifecycle state of a record. The zero value means the record
// does not exist.
type Status uint8

const (
	StatusNonExistent Status = iota
	StatusActive
	StatusClaimed
	StatusReclaimed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClaimed:
		return "claimed"
	case StatusReclaimed:
		return "reclaimed"
	default:
		return "nonexistent"
	}
}

// Record is one escrowed value. Amount drops to zero exactly when the record
// leaves StatusActive; OriginalAmount keeps the funded value for history.
type Record struct {
	ID             uint64         `json:"id"`
	Creator        common.Address `json:"creator"`
	Claimant       common.Address `json:"claimant"`
	Amount         *big.Int       `json:"amount"`
	OriginalAmount *big.Int       `json:"originalAmount"`
	Fee            *big.Int       `json:"fee"`
	SecretHash     common.Hash    `json:"secretHash"`
	Status         Status         `json:"status"`
	Channel        ChannelKind    `json:"channel,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpireAt       time.Time      `json:"expireAt"`
	FinalizedAt    time.Time      `json:"finalizedAt"`
}

// Claimed reports whether the record has been claimed or reclaimed.
func (r Record) Claimed() bool {
	return r.Status == StatusClaimed || r.Status == StatusReclaimed
}

// Expires reports whether the record carries an expiry. Records without one
// can be reclaimed by their creator at any time.
func (r Record) Expires() bool {
	return !r.ExpireAt.IsZero()
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Amount = cloneInt(r.Amount)
	out.OriginalAmount = cloneInt(r.OriginalAmount)
	out.Fee = cloneInt(r.Fee)
	return out
}

// View is the read model returned to callers.
type View struct {
	ID             uint64         `json:"id"`
	Creator        common.Address `json:"creator"`
	Claimant       common.Address `json:"claimant"`
	Amount         *big.Int       `json:"amount"`
	OriginalAmount *big.Int       `json:"originalAmount"`
	Fee            *big.Int       `json:"fee"`
	SecretHash     common.Hash    `json:"secretHash"`
	Claimed        bool           `json:"claimed"`
	Status         string         `json:"status"`
	Channel        ChannelKind    `json:"channel,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpireAt       *time.Time     `json:"expireAt,omitempty"`
	FinalizedAt    *time.Time     `json:"finalizedAt,omitempty"`
}

func (r Record) View() View {
	v := View{
		ID:             r.ID,
		Creator:        r.Creator,
		Claimant:       r.Claimant,
		Amount:         cloneInt(r.Amount),
		OriginalAmount: cloneInt(r.OriginalAmount),
		Fee:            cloneInt(r.Fee),
		SecretHash:     r.SecretHash,
		Claimed:        r.Claimed(),
		Status:         r.Status.String(),
		Channel:        r.Channel,
		CreatedAt:      r.CreatedAt,
	}
	if r.Expires() {
		t := r.ExpireAt
		v.ExpireAt = &t
	}
	if !r.FinalizedAt.IsZero() {
		t := r.FinalizedAt
		v.FinalizedAt = &t
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
