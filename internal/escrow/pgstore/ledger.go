package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/itua234/gifty/internal/ledger"
)

type txKey struct{}

type txScope struct {
	store *Store
	tx    pgx.Tx
}

func (s *Store) withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, &txScope{store: s, tx: tx})
}

// Ledger keeps custody balances in the ledger_balances table. Called with a
// context from Store.Insert or Store.Update it writes inside that transaction,
// so balances and records commit together.
type Ledger struct {
	store   *Store
	custody common.Address
}

func (s *Store) Ledger(custody common.Address) *Ledger {
	return &Ledger{store: s, custody: custody}
}

// Enlisted reports whether ctx carries a transaction of this store.
func (l *Ledger) Enlisted(ctx context.Context) bool {
	sc, ok := ctx.Value(txKey{}).(*txScope)
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

func (l *Ledger) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var raw string
	err := l.store.pool.QueryRow(ctx, `SELECT balance::text FROM ledger_balances WHERE address = $1`, addr.Hex()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
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

// post applies postings in the caller's transaction when there is one, or
// in a transaction of its own.
func (l *Ledger) post(ctx context.Context, postings []ledger.Posting) error {
	if sc, ok := ctx.Value(txKey{}).(*txScope); ok && sc.store == l.store {
		return applyPostings(ctx, sc.tx, postings)
	}

	tx, err := l.store.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := applyPostings(ctx, tx, postings); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

// applyPostings expects postings ordered by account, so concurrent
// transactions take row locks in the same order.
func applyPostings(ctx context.Context, tx pgx.Tx, postings []ledger.Posting) error {
	for _, p := range postings {
		if p.Delta.Sign() > 0 {
			_, err := tx.Exec(ctx, `
INSERT INTO ledger_balances (address, balance) VALUES ($1, $2::numeric)
ON CONFLICT (address) DO UPDATE SET balance = ledger_balances.balance + EXCLUDED.balance
`, p.Account.Hex(), p.Delta.String())
			if err != nil {
				return fmt.Errorf("credit %s: %w", p.Account.Hex(), err)
			}
			continue
		}

		debit := new(big.Int).Neg(p.Delta)
		tag, err := tx.Exec(ctx, `
UPDATE ledger_balances SET balance = balance - $2::numeric
WHERE address = $1 AND balance >= $2::numeric
`, p.Account.Hex(), debit.String())
		if err != nil {
			return fmt.Errorf("debit %s: %w", p.Account.Hex(), err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("debit %s from %s: %w", debit, p.Account.Hex(), ledger.ErrInsufficientFunds)
		}
	}
	return nil
}
