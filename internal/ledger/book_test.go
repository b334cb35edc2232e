package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000c0501")
	alice   = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestHoldAndPay(t *testing.T) {
	book := NewBook(custody)
	ctx := context.Background()

	if err := book.Deposit(context.Background(), alice, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := book.Hold(ctx, alice, big.NewInt(600)); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if got := balanceOf(t, book, custody); got.Int64() != 600 {
		t.Fatalf("custody balance %s", got)
	}

	err := book.Pay(ctx, Transfer{To: bob, Amount: big.NewInt(597)}, Transfer{To: alice, Amount: big.NewInt(3)})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if balanceOf(t, book, bob).Int64() != 597 || balanceOf(t, book, alice).Int64() != 403 || balanceOf(t, book, custody).Sign() != 0 {
		t.Fatalf("unexpected balances bob=%s alice=%s custody=%s", balanceOf(t, book, bob), balanceOf(t, book, alice), balanceOf(t, book, custody))
	}
}

func TestHoldRejectsOverdraft(t *testing.T) {
	book := NewBook(custody)
	_ = book.Deposit(context.Background(), alice, big.NewInt(10))
	if err := book.Hold(context.Background(), alice, big.NewInt(11)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds got %v", err)
	}
	if balanceOf(t, book, alice).Int64() != 10 {
		t.Fatalf("balance changed on failed hold")
	}
}

func TestPayIsAllOrNothing(t *testing.T) {
	book := NewBook(custody)
	ctx := context.Background()
	_ = book.Deposit(context.Background(), alice, big.NewInt(100))
	_ = book.Hold(ctx, alice, big.NewInt(100))

	err := book.Pay(ctx, Transfer{To: bob, Amount: big.NewInt(80)}, Transfer{To: alice, Amount: big.NewInt(30)})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds got %v", err)
	}
	if balanceOf(t, book, bob).Sign() != 0 || balanceOf(t, book, custody).Int64() != 100 {
		t.Fatalf("partial pay applied")
	}

	err = book.Pay(ctx, Transfer{To: common.Address{}, Amount: big.NewInt(1)})
	if !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount got %v", err)
	}
}

func TestReverseRestoresCustody(t *testing.T) {
	book := NewBook(custody)
	ctx := context.Background()
	_ = book.Deposit(context.Background(), alice, big.NewInt(50))
	_ = book.Hold(ctx, alice, big.NewInt(50))

	transfers := []Transfer{{To: bob, Amount: big.NewInt(49)}, {To: alice, Amount: big.NewInt(1)}}
	if err := book.Pay(ctx, transfers...); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := book.Reverse(ctx, transfers...); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if balanceOf(t, book, custody).Int64() != 50 || balanceOf(t, book, bob).Sign() != 0 || balanceOf(t, book, alice).Sign() != 0 {
		t.Fatalf("reverse did not restore balances")
	}
}

func balanceOf(t *testing.T, book *Book, addr common.Address) *big.Int {
	t.Helper()
	bal, err := book.Balance(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance %s: %v", addr.Hex(), err)
	}
	return bal
}

func TestPayPostingsNetAndSort(t *testing.T) {
	postings, err := PayPostings(custody, []Transfer{
		{To: bob, Amount: big.NewInt(7)},
		{To: alice, Amount: big.NewInt(3)},
		{To: bob, Amount: big.NewInt(0)},
	}, false)
	if err != nil {
		t.Fatalf("postings: %v", err)
	}
	want := map[common.Address]int64{custody: -10, bob: 7, alice: 3}
	if len(postings) != len(want) {
		t.Fatalf("unexpected postings %+v", postings)
	}
	for i, p := range postings {
		if p.Delta.Int64() != want[p.Account] {
			t.Fatalf("posting %s: got %s want %d", p.Account.Hex(), p.Delta, want[p.Account])
		}
		if i > 0 && bytes.Compare(postings[i-1].Account.Bytes(), p.Account.Bytes()) >= 0 {
			t.Fatalf("postings not ordered by account")
		}
	}

	reversed, _ := PayPostings(custody, []Transfer{{To: bob, Amount: big.NewInt(7)}}, true)
	for _, p := range reversed {
		if (p.Account == custody) != (p.Delta.Sign() > 0) {
			t.Fatalf("reverse must credit custody: %+v", reversed)
		}
	}
}

func TestHoldPostingsRejectsBadInput(t *testing.T) {
	if _, err := HoldPostings(custody, alice, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount got %v", err)
	}
	if _, err := HoldPostings(custody, common.Address{}, big.NewInt(1)); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount got %v", err)
	}
}
