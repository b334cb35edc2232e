package badgerstore

import (
	"context"
	"errors"
	"math/big"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/itua234/gifty/internal/ledger"
)

type txnKey struct{}

type txnScope struct {
	store *Store
	txn   *badger.Txn
}

func (s *Store) withTxn(ctx context.Context, txn *badger.Txn) context.Context {
	return context.WithValue(ctx, txnKey{}, &txnScope{store: s, txn: txn})
}

// Ledger keeps custody balances under bal: keys. Called with a context from
// Store.Insert or Store.Update it writes inside that transaction, so balances
// and records commit together.
type Ledger struct {
	store   *Store
	custody common.Address
}

func (s *Store) Ledger(custody common.Address) *Ledger {
	return &Ledger{store: s, custody: custody}
}

// Enlisted reports whether ctx carries a transaction of this store.
func (l *Ledger) Enlisted(ctx context.Context) bool {
	sc, ok := ctx.Value(txnKey{}).(*txnScope)
	return ok && sc.store == l.store
}

func (l *Ledger) Custody() common.Address {
	return l.custody
}

func (l *Ledger) Deposit(ctx context.Context, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ledger.ErrInvalidAmount
	}
	if addr == (common.Address{}) {
		return ledger.ErrInvalidAccount
	}
	return l.post(ctx, []ledger.Posting{{Account: addr, Delta: amount}})
}

func (l *Ledger) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := l.store.db.View(func(txn *badger.Txn) error {
		var err error
		bal, err = readBalance(txn, addr)
		return err
	})
	return bal, err
}

func (l *Ledger) Hold(ctx context.Context, from common.Address, amount *big.Int) error {
	postings, err := ledger.HoldPostings(l.custody, from, amount)
	if err != nil {
		return err
	}
	return l.post(ctx, postings)
}

func (l *Ledger) Pay(ctx context.Context, transfers ...ledger.Transfer) error {
	postings, err := ledger.PayPostings(l.custody, transfers, false)
	if err != nil {
		return err
	}
	return l.post(ctx, postings)
}

func (l *Ledger) Reverse(ctx context.Context, transfers ...ledger.Transfer) error {
	postings, err := ledger.PayPostings(l.custody, transfers, true)
	if err != nil {
		return err
	}
	return l.post(ctx, postings)
}

func (l *Ledger) post(ctx context.Context, postings []ledger.Posting) error {
	if sc, ok := ctx.Value(txnKey{}).(*txnScope); ok && sc.store == l.store {
		return applyPostings(sc.txn, postings)
	}
	return l.store.update(func(txn *badger.Txn) error {
		return applyPostings(txn, postings)
	})
}

// applyPostings checks every debit before writing, so a shortfall leaves the
// transaction untouched.
func applyPostings(txn *badger.Txn, postings []ledger.Posting) error {
	next := make([]*big.Int, len(postings))
	for i, p := range postings {
		bal, err := readBalance(txn, p.Account)
		if err != nil {
			return err
		}
		if err := ledger.Shortfall(p, bal); err != nil {
			return err
		}
		next[i] = bal.Add(bal, p.Delta)
	}
	for i, p := range postings {
		if err := txn.Set(balanceKey(p.Account), next[i].Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func readBalance(txn *badger.Txn, addr common.Address) (*big.Int, error) {
	item, err := txn.Get(balanceKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	bal := new(big.Int)
	err = item.Value(func(val []byte) error {
		bal.SetBytes(val)
		return nil
	})
	return bal, err
}

func balanceKey(addr common.Address) []byte {
	return append(append([]byte{}, balPrefix...), addr.Bytes()...)
}
