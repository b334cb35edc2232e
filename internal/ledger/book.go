package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidAccount    = errors.New("invalid account")
)

// Transfer moves Amount out of custody to To.
type Transfer struct {
	To     common.Address
	Amount *big.Int
}

// Book tracks balances per address plus the custody account that holds
// escrowed value. Each call is atomic: a batch either applies fully or not
// at all.
type Book struct {
	mu       sync.Mutex
	custody  common.Address
	balances map[common.Address]*big.Int
}

func NewBook(custody common.Address) *Book {
	return &Book{
		custody:  custody,
		balances: make(map[common.Address]*big.Int),
	}
}

// Custody is the account holding escrowed value.
func (b *Book) Custody() common.Address {
	return b.custody
}

// Deposit credits addr with amount from outside the book.
func (b *Book) Deposit(_ context.Context, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if addr == (common.Address{}) {
		return ErrInvalidAccount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adjust(addr, amount)
	return nil
}

func (b *Book) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.available(addr)), nil
}

// Hold debits from and credits custody.
func (b *Book) Hold(_ context.Context, from common.Address, amount *big.Int) error {
	postings, err := HoldPostings(b.custody, from, amount)
	if err != nil {
		return err
	}
	return b.apply(postings)
}

// Pay releases transfers from custody. Zero-amount transfers are skipped.
func (b *Book) Pay(_ context.Context, transfers ...Transfer) error {
	postings, err := PayPostings(b.custody, transfers, false)
	if err != nil {
		return err
	}
	return b.apply(postings)
}

// Reverse undoes a completed Pay by moving the transfers back into custody.
func (b *Book) Reverse(_ context.Context, transfers ...Transfer) error {
	postings, err := PayPostings(b.custody, transfers, true)
	if err != nil {
		return err
	}
	return b.apply(postings)
}

func (b *Book) apply(postings []Posting) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range postings {
		if err := Shortfall(p, b.available(p.Account)); err != nil {
			return err
		}
	}
	for _, p := range postings {
		b.adjust(p.Account, p.Delta)
	}
	return nil
}

func sum(transfers []Transfer) (*big.Int, error) {
	total := new(big.Int)
	for _, tr := range transfers {
		if tr.Amount == nil || tr.Amount.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		if tr.To == (common.Address{}) {
			return nil, ErrInvalidAccount
		}
		total.Add(total, tr.Amount)
	}
	return total, nil
}

func (b *Book) available(addr common.Address) *big.Int {
	if bal, ok := b.balances[addr]; ok {
		return bal
	}
	return new(big.Int)
}

func (b *Book) adjust(addr common.Address, delta *big.Int) {
	bal, ok := b.balances[addr]
	if !ok {
		bal = new(big.Int)
		b.balances[addr] = bal
	}
	bal.Add(bal, delta)
}
