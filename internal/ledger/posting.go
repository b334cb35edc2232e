package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Posting is a signed balance change on one account.
type Posting struct {
	Account common.Address
	Delta   *big.Int
}

// HoldPostings debits from and credits custody.
func HoldPostings(custody, from common.Address, amount *big.Int) ([]Posting, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if from == (common.Address{}) {
		return nil, ErrInvalidAccount
	}
	return net(map[common.Address]*big.Int{
		from:    new(big.Int).Neg(amount),
		custody: new(big.Int).Set(amount),
	}), nil
}

// PayPostings moves transfers out of custody. With reverse set the
// transfers move back into custody instead.
func PayPostings(custody common.Address, transfers []Transfer, reverse bool) ([]Posting, error) {
	total, err := sum(transfers)
	if err != nil {
		return nil, err
	}
	deltas := map[common.Address]*big.Int{custody: new(big.Int).Neg(total)}
	for _, tr := range transfers {
		d, ok := deltas[tr.To]
		if !ok {
			d = new(big.Int)
			deltas[tr.To] = d
		}
		d.Add(d, tr.Amount)
	}
	if reverse {
		for _, d := range deltas {
			d.Neg(d)
		}
	}
	return net(deltas), nil
}

// net drops zero deltas and orders postings by account so that stores lock
// rows in a stable order.
func net(deltas map[common.Address]*big.Int) []Posting {
	out := make([]Posting, 0, len(deltas))
	for addr, d := range deltas {
		if d.Sign() != 0 {
			out = append(out, Posting{Account: addr, Delta: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Account.Bytes(), out[j].Account.Bytes()) < 0
	})
	return out
}

// Shortfall reports the error for a posting that would overdraw an account
// currently holding balance.
func Shortfall(p Posting, balance *big.Int) error {
	if p.Delta.Sign() >= 0 || new(big.Int).Add(balance, p.Delta).Sign() >= 0 {
		return nil
	}
	return fmt.Errorf("debit %s from %s: %w", new(big.Int).Neg(p.Delta), p.Account.Hex(), ErrInsufficientFunds)
}
