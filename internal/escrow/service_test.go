package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/itua234/gifty/internal/ledger"
	"github.com/itua234/gifty/internal/oracle"
	"github.com/itua234/gifty/internal/signal"
)

var (
	funder     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	claimant   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	collector  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	settlement = common.HexToAddress("0x4000000000000000000000000000000000000004")
	custody    = common.HexToAddress("0x5000000000000000000000000000000000000005")
	stranger   = common.HexToAddress("0x6000000000000000000000000000000000000006")
)

type harness struct {
	svc   *Service
	repo  *MemoryRepository
	book  *ledger.Book
	feed  *oracle.StaticFeed
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, bps uint32) *harness {
	t.Helper()
	h := &harness{
		repo:  NewMemoryRepository(),
		book:  ledger.NewBook(custody),
		feed:  oracle.NewStaticFeed(big.NewInt(2000)),
		clock: &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	if err := h.book.Deposit(context.Background(), funder, mustBig("1000000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	adapter, err := oracle.NewAdapter(h.feed, oracle.Config{AssetDecimals: 6, ReferenceDecimals: 2}, quietLogger())
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	h.svc, err = NewService(h.repo, h.book, adapter, Config{
		FeeRateBps:        bps,
		FeeCollector:      collector,
		SettlementAccount: settlement,
		Now:               h.clock.Now,
	}, quietLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T, amount int64, secret string, expireAt time.Time) uint64 {
	t.Helper()
	id, err := h.svc.Create(context.Background(), CreateRequest{
		Funder:   funder,
		Amount:   big.NewInt(amount),
		Secret:   secret,
		ExpireAt: expireAt,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func balanceOf(t *testing.T, book *ledger.Book, addr common.Address) *big.Int {
	t.Helper()
	bal, err := book.Balance(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad integer " + s)
	}
	return v
}

func kinds(entries []signal.Entry) []signal.Kind {
	out := make([]signal.Kind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Event.Kind)
	}
	return out
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t, 5)
	first := h.create(t, 100, "a", time.Time{})
	second := h.create(t, 200, "b", time.Time{})
	if first != 1 || second != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first, second)
	}

	view, err := h.svc.Record(context.Background(), second)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if view.Amount.Int64() != 200 || view.Claimed || view.Creator != funder || view.ExpireAt != nil {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.SecretHash != HashSecret("b") {
		t.Fatalf("secret hash not stored")
	}
	if balanceOf(t, h.book, custody).Int64() != 300 {
		t.Fatalf("custody should hold 300, got %s", balanceOf(t, h.book, custody))
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"zero amount", CreateRequest{Funder: funder, Amount: big.NewInt(0), Secret: "s"}, ErrZeroAmount},
		{"nil amount", CreateRequest{Funder: funder, Secret: "s"}, ErrZeroAmount},
		{"zero funder", CreateRequest{Amount: big.NewInt(1), Secret: "s"}, ErrInvalidFunder},
		{"empty secret", CreateRequest{Funder: funder, Amount: big.NewInt(1)}, ErrInvalidSecret},
		{"overflow", CreateRequest{Funder: funder, Amount: new(big.Int).Lsh(big.NewInt(1), 256), Secret: "s"}, ErrAmountOverflow},
	}
	for _, tc := range cases {
		if _, err := h.svc.Create(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if _, err := h.svc.Record(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("nothing should have been created, got %v", err)
	}
}

func TestCreateWithoutFundsFails(t *testing.T) {
	h := newHarness(t, 5)
	_, err := h.svc.Create(context.Background(), CreateRequest{Funder: stranger, Amount: big.NewInt(1), Secret: "s"})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestClaimDirectSplitsFee(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1_000_000, "gift-code", time.Time{})

	payout, err := h.svc.ClaimDirect(ctx, claimant, id, "gift-code")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if payout.Int64() != 999_500 {
		t.Fatalf("expected payout 999500, got %s", payout)
	}
	if balanceOf(t, h.book, claimant).Int64() != 999_500 || balanceOf(t, h.book, collector).Int64() != 500 {
		t.Fatalf("unexpected balances claimant=%s collector=%s", balanceOf(t, h.book, claimant), balanceOf(t, h.book, collector))
	}

	view, _ := h.svc.Record(ctx, id)
	if !view.Claimed || view.Amount.Sign() != 0 || view.Claimant != claimant || view.Fee.Int64() != 500 {
		t.Fatalf("unexpected view after claim %+v", view)
	}
	if view.OriginalAmount.Int64() != 1_000_000 {
		t.Fatalf("original amount lost")
	}

	fees, err := h.svc.FeesCollected(ctx, collector)
	if err != nil || fees.Int64() != 500 {
		t.Fatalf("expected fees 500, got %v %v", fees, err)
	}

	if _, err := h.svc.ClaimDirect(ctx, claimant, id, "gift-code"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second claim should fail with already finalized, got %v", err)
	}

	pending, _ := h.repo.Pending(ctx, 0)
	got := kinds(pending)
	want := []signal.Kind{signal.KindCreated, signal.KindClaimedDirect, signal.KindFeeCollected}
	if len(got) != len(want) {
		t.Fatalf("expected signals %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected signals %v, got %v", want, got)
		}
	}
}

func TestClaimWithZeroFeeSkipsFeeSignal(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	id := h.create(t, 1999, "s", time.Time{})

	payout, err := h.svc.ClaimDirect(ctx, claimant, id, "s")
	if err != nil || payout.Int64() != 1999 {
		t.Fatalf("expected full payout, got %v %v", payout, err)
	}
	pending, _ := h.repo.Pending(ctx, 0)
	for _, e := range pending {
		if e.Event.Kind == signal.KindFeeCollected {
			t.Fatalf("no fee signal expected for a zero fee")
		}
	}
}

func TestClaimWrongSecretLeavesRecordUntouched(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1000, "right", time.Time{})

	if _, err := h.svc.ClaimDirect(ctx, claimant, id, "wrong"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}
	view, _ := h.svc.Record(ctx, id)
	if view.Claimed || view.Amount.Int64() != 1000 {
		t.Fatalf("record mutated by failed claim: %+v", view)
	}
	if balanceOf(t, h.book, claimant).Sign() != 0 {
		t.Fatalf("claimant was paid on a failed claim")
	}
}

func TestClaimErrors(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1000, "s", time.Time{})

	if _, err := h.svc.ClaimDirect(ctx, claimant, 0, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("id 0 should be not found, got %v", err)
	}
	if _, err := h.svc.ClaimDirect(ctx, claimant, 99, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id should be not found, got %v", err)
	}
	if _, err := h.svc.ClaimDirect(ctx, common.Address{}, id, "s"); !errors.Is(err, ErrInvalidClaimant) {
		t.Fatalf("zero claimant should be rejected, got %v", err)
	}
}

func TestReclaimRespectsExpiry(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	expire := h.clock.Now().Add(time.Hour)
	id := h.create(t, 1000, "s", expire)

	if _, err := h.svc.Reclaim(ctx, funder, id, "s"); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("expected not yet expired, got %v", err)
	}
	if _, err := h.svc.Reclaim(ctx, stranger, id, "s"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	h.clock.Advance(time.Hour)
	if _, err := h.svc.Reclaim(ctx, funder, id, "nope"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}

	before := balanceOf(t, h.book, funder)
	refund, err := h.svc.Reclaim(ctx, funder, id, "s")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if refund.Int64() != 1000 {
		t.Fatalf("reclaim should refund the full amount without fee, got %s", refund)
	}
	after := balanceOf(t, h.book, funder)
	if new(big.Int).Sub(after, before).Int64() != 1000 {
		t.Fatalf("funder not refunded")
	}

	view, _ := h.svc.Record(ctx, id)
	if view.Status != "reclaimed" || !view.Claimed || view.Amount.Sign() != 0 {
		t.Fatalf("unexpected view after reclaim %+v", view)
	}
	if _, err := h.svc.ClaimDirect(ctx, claimant, id, "s"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("claim after reclaim should fail, got %v", err)
	}
	fees, _ := h.svc.FeesCollected(ctx, collector)
	if fees.Sign() != 0 {
		t.Fatalf("reclaim must not collect fees, got %s", fees)
	}
}

func TestReclaimTwiceIsAlreadyFinalized(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1000, "s", h.clock.Now().Add(time.Second))
	h.clock.Advance(2 * time.Second)

	if _, err := h.svc.Reclaim(ctx, funder, id, "s"); err != nil {
		t.Fatalf("first reclaim: %v", err)
	}
	before := balanceOf(t, h.book, funder)
	if _, err := h.svc.Reclaim(ctx, funder, id, "s"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second reclaim should fail with already finalized, got %v", err)
	}
	if balanceOf(t, h.book, funder).Cmp(before) != 0 {
		t.Fatalf("second reclaim moved funds: before=%s after=%s", before, balanceOf(t, h.book, funder))
	}
	if balanceOf(t, h.book, custody).Sign() != 0 {
		t.Fatalf("custody should be empty, got %s", balanceOf(t, h.book, custody))
	}
}

func TestClaimBeforeExpiry(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1_000_000, "s", h.clock.Now().Add(1000*time.Second))
	h.clock.Advance(500 * time.Second)

	if _, err := h.svc.Reclaim(ctx, funder, id, "s"); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("reclaim before expiry: expected not yet expired, got %v", err)
	}
	payout, err := h.svc.ClaimDirect(ctx, claimant, id, "s")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if payout.Int64() != 999_500 || balanceOf(t, h.book, collector).Int64() != 500 {
		t.Fatalf("expected payout 999500 and fee 500, got %s and %s", payout, balanceOf(t, h.book, collector))
	}
	view, _ := h.svc.Record(ctx, id)
	if !view.Claimed || view.Amount.Sign() != 0 {
		t.Fatalf("unexpected view after claim %+v", view)
	}
	if _, err := h.svc.ClaimDirect(ctx, claimant, id, "s"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second claim should fail with already finalized, got %v", err)
	}
	if balanceOf(t, h.book, claimant).Int64() != 999_500 {
		t.Fatalf("claimant paid twice: %s", balanceOf(t, h.book, claimant))
	}
}

func TestReclaimWithoutExpiryIsImmediate(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, 10, "s", time.Time{})
	if _, err := h.svc.Reclaim(context.Background(), funder, id, "s"); err != nil {
		t.Fatalf("reclaim of a record without expiry: %v", err)
	}
}

func TestClaimAfterExpiryStillAllowed(t *testing.T) {
	h := newHarness(t, 5)
	id := h.create(t, 10_000, "s", h.clock.Now().Add(time.Minute))
	h.clock.Advance(time.Hour)
	if _, err := h.svc.ClaimDirect(context.Background(), claimant, id, "s"); err != nil {
		t.Fatalf("claim past expiry should succeed while unreclaimed: %v", err)
	}
}

func TestClaimViaChannelPricesPayout(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	// 1 whole asset unit at 6 decimals.
	id := h.create(t, 1_000_000, "s", time.Time{})

	got, err := h.svc.ClaimViaChannel(ctx, claimant, id, "s", ChannelBank, "0123456789|058")
	if err != nil {
		t.Fatalf("channel claim: %v", err)
	}
	if got.AssetAmount.Int64() != 999_500 {
		t.Fatalf("expected asset amount 999500, got %s", got.AssetAmount)
	}
	// 0.9995 units at 2000 per unit.
	if got.ReferenceAmount.Int64() != 1999 {
		t.Fatalf("expected reference amount 1999, got %s", got.ReferenceAmount)
	}
	if balanceOf(t, h.book, settlement).Int64() != 999_500 || balanceOf(t, h.book, collector).Int64() != 500 {
		t.Fatalf("unexpected balances settlement=%s collector=%s", balanceOf(t, h.book, settlement), balanceOf(t, h.book, collector))
	}

	view, _ := h.svc.Record(ctx, id)
	if !view.Claimed || view.Channel != ChannelBank || view.Claimant != claimant {
		t.Fatalf("unexpected view %+v", view)
	}

	pending, _ := h.repo.Pending(ctx, 0)
	var found bool
	for _, e := range pending {
		if e.Event.Kind != signal.KindClaimRequestedViaChannel {
			continue
		}
		found = true
		if e.Event.ChannelDetails != "0123456789|058" || e.Event.ReferenceAmount.Int64() != 1999 || e.Event.Rate.Int64() != 2000 {
			t.Fatalf("unexpected channel signal %+v", e.Event)
		}
	}
	if !found {
		t.Fatalf("channel signal not staged")
	}
}

func TestClaimViaChannelValidation(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1000, "s", time.Time{})

	if _, err := h.svc.ClaimViaChannel(ctx, claimant, id, "s", ChannelKind("pigeon"), "0123456789"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected invalid channel kind, got %v", err)
	}
	if _, err := h.svc.ClaimViaChannel(ctx, claimant, id, "s", ChannelAirtime, "123"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected short details to be rejected, got %v", err)
	}
	if _, err := h.svc.ClaimViaChannel(ctx, claimant, id, "s", ChannelDirectAsset, "not-an-address"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected bad address to be rejected, got %v", err)
	}
	if _, err := h.svc.ClaimViaChannel(ctx, claimant, id, "bad", ChannelData, "08031234567"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}
	view, _ := h.svc.Record(ctx, id)
	if view.Claimed {
		t.Fatalf("record should remain active")
	}
}

func TestClaimViaChannelOracleFailure(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1000, "s", time.Time{})

	h.feed.Set(big.NewInt(0))
	if _, err := h.svc.ClaimViaChannel(ctx, claimant, id, "s", ChannelBank, "0123456789|058"); !errors.Is(err, oracle.ErrInvalidRate) {
		t.Fatalf("expected invalid rate, got %v", err)
	}
	view, _ := h.svc.Record(ctx, id)
	if view.Claimed || view.Amount.Int64() != 1000 {
		t.Fatalf("oracle failure must not finalize the record: %+v", view)
	}
}

func TestFeeConservation(t *testing.T) {
	h := newHarness(t, 37)
	ctx := context.Background()
	amounts := []int64{1, 9, 271, 10_000, 123_456_789}

	total := new(big.Int)
	for i, amt := range amounts {
		id := h.create(t, amt, "s", time.Time{})
		payout, err := h.svc.ClaimDirect(ctx, claimant, id, "s")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		fee, _ := ComputeFee(big.NewInt(amt), 37)
		if new(big.Int).Add(payout, fee).Int64() != amt {
			t.Fatalf("fee + payout != amount for %d", amt)
		}
		total.Add(total, fee)
	}
	fees, _ := h.svc.FeesCollected(ctx, collector)
	if fees.Cmp(total) != 0 {
		t.Fatalf("expected fees %s, got %s", total, fees)
	}
	if balanceOf(t, h.book, custody).Sign() != 0 {
		t.Fatalf("custody should be empty, got %s", balanceOf(t, h.book, custody))
	}
}

func TestPrivilegedOperations(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	if _, err := h.svc.FeesCollected(ctx, stranger); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := h.svc.SetFeeRate(ctx, stranger, 10); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := h.svc.SetFeeRate(ctx, collector, MaxFeeRateBps+1); !errors.Is(err, ErrInvalidFeeRate) {
		t.Fatalf("expected invalid fee rate, got %v", err)
	}
	if err := h.svc.SetFeeRate(ctx, collector, 100); err != nil {
		t.Fatalf("set fee rate: %v", err)
	}
	if h.svc.FeeRate() != 100 {
		t.Fatalf("fee rate not applied")
	}

	id := h.create(t, 10_000, "s", time.Time{})
	payout, err := h.svc.ClaimDirect(ctx, claimant, id, "s")
	if err != nil || payout.Int64() != 9_900 {
		t.Fatalf("expected payout at new rate, got %v %v", payout, err)
	}
}

func TestConcurrentClaimsHaveSingleWinner(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1_000_000, "race", time.Time{})

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.ClaimDirect(ctx, claimant, id, "race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyFinalized):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if balanceOf(t, h.book, claimant).Int64() != 999_500 {
		t.Fatalf("claimant paid more than once: %s", balanceOf(t, h.book, claimant))
	}
}

type failingLedger struct {
	*ledger.Book
	failPay bool
	reverse int
}

func (f *failingLedger) Pay(ctx context.Context, transfers ...ledger.Transfer) error {
	if f.failPay {
		return errors.New("settlement rail down")
	}
	return f.Book.Pay(ctx, transfers...)
}

func (f *failingLedger) Reverse(ctx context.Context, transfers ...ledger.Transfer) error {
	f.reverse++
	return f.Book.Reverse(ctx, transfers...)
}

func TestPayoutFailureKeepsRecordActive(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1000, "s", time.Time{})

	fl := &failingLedger{Book: h.book, failPay: true}
	svc, _ := NewService(h.repo, fl, nil, Config{FeeRateBps: 5, FeeCollector: collector, Now: h.clock.Now}, quietLogger())

	if _, err := svc.ClaimDirect(ctx, claimant, id, "s"); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("expected payout failed, got %v", err)
	}
	view, _ := svc.Record(ctx, id)
	if view.Claimed || view.Amount.Int64() != 1000 {
		t.Fatalf("record must stay active after a failed payout: %+v", view)
	}
	pending, _ := h.repo.Pending(ctx, 0)
	if len(pending) != 1 {
		t.Fatalf("only the create signal should be staged, got %v", kinds(pending))
	}

	fl.failPay = false
	if _, err := svc.ClaimDirect(ctx, claimant, id, "s"); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

type commitFailingRepo struct {
	*MemoryRepository
}

func (r commitFailingRepo) Update(ctx context.Context, id uint64, fn MutateFunc) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	var out Signals
	if err := fn(ctx, &rec, &out); err != nil {
		return err
	}
	return errors.New("disk full")
}

func TestCommitFailureReversesPayout(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1000, "s", time.Time{})

	fl := &failingLedger{Book: h.book}
	svc, _ := NewService(commitFailingRepo{h.repo}, fl, nil, Config{FeeRateBps: 5, FeeCollector: collector, Now: h.clock.Now}, quietLogger())

	if _, err := svc.ClaimDirect(ctx, claimant, id, "s"); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("expected payout failed, got %v", err)
	}
	if fl.reverse != 1 {
		t.Fatalf("expected one reversal, got %d", fl.reverse)
	}
	if balanceOf(t, h.book, claimant).Sign() != 0 || balanceOf(t, h.book, custody).Int64() != 1000 {
		t.Fatalf("funds not restored: claimant=%s custody=%s", balanceOf(t, h.book, claimant), balanceOf(t, h.book, custody))
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	repo := NewMemoryRepository()
	book := ledger.NewBook(custody)
	if _, err := NewService(repo, book, nil, Config{FeeRateBps: 5}, nil); err == nil {
		t.Fatalf("missing collector should fail")
	}
	if _, err := NewService(repo, book, nil, Config{FeeRateBps: MaxFeeRateBps + 1, FeeCollector: collector}, nil); !errors.Is(err, ErrInvalidFeeRate) {
		t.Fatalf("expected invalid fee rate, got %v", err)
	}
}

type enlistedLedger struct {
	*failingLedger
}

func (enlistedLedger) Enlisted(context.Context) bool { return true }

func TestCommitFailureWithEnlistedLedgerSkipsReversal(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	id := h.create(t, 1000, "s", time.Time{})

	fl := &failingLedger{Book: h.book}
	svc, _ := NewService(commitFailingRepo{h.repo}, enlistedLedger{fl}, nil, Config{FeeRateBps: 5, FeeCollector: collector, Now: h.clock.Now}, quietLogger())

	_, err := svc.ClaimDirect(ctx, claimant, id, "s")
	if err == nil || errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("expected the commit error, got %v", err)
	}
	if fl.reverse != 0 {
		t.Fatalf("transfers made inside the transaction must not be reversed, got %d", fl.reverse)
	}
}
