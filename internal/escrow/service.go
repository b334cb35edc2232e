package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/itua234/gifty/internal/ledger"
	"github.com/itua234/gifty/internal/oracle"
	"github.com/itua234/gifty/internal/signal"
)

// Ledger moves value in and out of escrow custody. Pay must apply a batch
// atomically; Reverse undoes a Pay that completed.
type Ledger interface {
	Hold(ctx context.Context, from common.Address, amount *big.Int) error
	Pay(ctx context.Context, transfers ...ledger.Transfer) error
	Reverse(ctx context.Context, transfers ...ledger.Transfer) error
}

// TxLedger is a Ledger that can join a repository's unit of work. When
// Enlisted reports true for the context handed to a MutateFunc, transfers made
// with that context commit or roll back together with the record.
type TxLedger interface {
	Ledger
	Enlisted(ctx context.Context) bool
}

func enlisted(ctx context.Context, l Ledger) bool {
	tl, ok := l.(TxLedger)
	return ok && tl.Enlisted(ctx)
}

// Converter prices a net payout in reference-currency units.
type Converter interface {
	Convert(ctx context.Context, amount *big.Int) (oracle.Conversion, error)
}

type Config struct {
	FeeRateBps   uint32
	FeeCollector common.Address
	// SettlementAccount receives channel payouts for the external
	// settlement worker to fulfil.
	SettlementAccount common.Address
	Now               func() time.Time
}

// CreateRequest funds a new record.
type CreateRequest struct {
	Funder   common.Address
	Amount   *big.Int
	Secret   string
	ExpireAt time.Time
}

// ChannelClaim is the result of a claim routed through a settlement channel.
type ChannelClaim struct {
	ReferenceAmount *big.Int
	AssetAmount     *big.Int
	Quote           oracle.Quote
}

// Service is the escrow record store.
type Service struct {
	repo       Repository
	ledger     Ledger
	converter  Converter
	logger     *slog.Logger
	collector  common.Address
	settlement common.Address
	now        func() time.Time

	mu      sync.RWMutex
	feeRate uint32
}

func NewService(repo Repository, book Ledger, conv Converter, cfg Config, logger *slog.Logger) (*Service, error) {
	if repo == nil || book == nil {
		return nil, fmt.Errorf("repository and ledger are required")
	}
	if cfg.FeeRateBps > MaxFeeRateBps {
		return nil, ErrInvalidFeeRate
	}
	if cfg.FeeCollector == (common.Address{}) {
		return nil, fmt.Errorf("fee collector is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:       repo,
		ledger:     book,
		converter:  conv,
		logger:     logger,
		collector:  cfg.FeeCollector,
		settlement: cfg.SettlementAccount,
		now:        now,
		feeRate:    cfg.FeeRateBps,
	}, nil
}

// Create escrows req.Amount from the funder behind the hash of req.Secret.
// A zero ExpireAt leaves the record without expiry.
func (s *Service) Create(ctx context.Context, req CreateRequest) (uint64, error) {
	if err := validateCreate(req.Funder, req.Amount, req.Secret); err != nil {
		return 0, err
	}

	now := s.now().UTC()
	draft := Record{
		Creator:        req.Funder,
		Amount:         new(big.Int).Set(req.Amount),
		OriginalAmount: new(big.Int).Set(req.Amount),
		Fee:            new(big.Int),
		SecretHash:     HashSecret(req.Secret),
		Status:         StatusActive,
		CreatedAt:      now,
	}
	if !req.ExpireAt.IsZero() {
		draft.ExpireAt = req.ExpireAt.UTC()
	}

	var held, joined bool
	rec, err := s.repo.Insert(ctx, draft, func(txCtx context.Context, rec *Record, out *Signals) error {
		if err := s.ledger.Hold(txCtx, req.Funder, req.Amount); err != nil {
			return fmt.Errorf("hold funds: %w", err)
		}
		held, joined = true, enlisted(txCtx, s.ledger)
		out.Emit(signal.Event{
			Kind:      signal.KindCreated,
			RecordID:  rec.ID,
			Party:     rec.Creator,
			Amount:    new(big.Int).Set(rec.Amount),
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		if held && !joined {
			refund := ledger.Transfer{To: req.Funder, Amount: req.Amount}
			if payErr := s.ledger.Pay(ctx, refund); payErr != nil {
				s.logger.Error("returning held funds failed", "funder", req.Funder.Hex(), "amount", req.Amount.String(), "error", payErr)
			}
		}
		return 0, fmt.Errorf("insert record: %w", err)
	}

	s.logger.Info("record created", "id", rec.ID, "funder", rec.Creator.Hex(), "amount", rec.Amount.String(), "expire_at", rec.ExpireAt)
	return rec.ID, nil
}

// ClaimDirect pays the record, net of fee, to caller.
func (s *Service) ClaimDirect(ctx context.Context, caller common.Address, id uint64, secret string) (*big.Int, error) {
	if id == 0 {
		return nil, ErrNotFound
	}
	presented := HashSecret(secret)
	bps := s.FeeRate()

	var payout *big.Int
	err := s.finalize(ctx, id, func(rec *Record, out *Signals) ([]ledger.Transfer, error) {
		if err := authorizeClaim(*rec, caller, presented); err != nil {
			return nil, err
		}
		fee, net := ComputeFee(rec.Amount, bps)
		now := s.now().UTC()
		markClaimed(rec, caller, fee, now)
		out.Emit(signal.Event{
			Kind:      signal.KindClaimedDirect,
			RecordID:  rec.ID,
			Party:     caller,
			Amount:    new(big.Int).Set(net),
			Timestamp: now,
		})
		s.emitFee(out, rec.ID, fee, now)
		payout = net
		return []ledger.Transfer{{To: caller, Amount: net}, {To: s.collector, Amount: fee}}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("record claimed", "id", id, "claimant", caller.Hex(), "payout", payout.String())
	return payout, nil
}

// ClaimViaChannel authorizes a claim, prices the net payout through the
// oracle and stages a settlement request for the external channel. The fee
// is still paid to the collector; the net payout moves to the settlement
// account.
func (s *Service) ClaimViaChannel(ctx context.Context, caller common.Address, id uint64, secret string, kind ChannelKind, details string) (ChannelClaim, error) {
	if id == 0 {
		return ChannelClaim{}, ErrNotFound
	}
	if _, err := ParseChannelKind(string(kind)); err != nil {
		return ChannelClaim{}, err
	}
	if err := ValidateChannel(kind, details); err != nil {
		return ChannelClaim{}, err
	}
	if s.converter == nil {
		return ChannelClaim{}, fmt.Errorf("%w: no price oracle configured", oracle.ErrOracleUnavailable)
	}
	if s.settlement == (common.Address{}) {
		return ChannelClaim{}, fmt.Errorf("%w: no settlement account configured", ErrPayoutFailed)
	}

	presented := HashSecret(secret)
	bps := s.FeeRate()

	// Authorize and price against a snapshot so the oracle call runs without
	// holding the record.
	snapshot, err := s.repo.Get(ctx, id)
	if err != nil {
		return ChannelClaim{}, err
	}
	if err := authorizeClaim(snapshot, caller, presented); err != nil {
		return ChannelClaim{}, err
	}
	_, net := ComputeFee(snapshot.Amount, bps)
	conv, err := s.converter.Convert(ctx, net)
	if err != nil {
		return ChannelClaim{}, fmt.Errorf("convert payout: %w", err)
	}

	err = s.finalize(ctx, id, func(rec *Record, out *Signals) ([]ledger.Transfer, error) {
		if err := authorizeClaim(*rec, caller, presented); err != nil {
			return nil, err
		}
		fee, payout := ComputeFee(rec.Amount, bps)
		if payout.Cmp(conv.Asset) != 0 {
			return nil, fmt.Errorf("record %d changed while pricing", id)
		}
		transfers := []ledger.Transfer{{To: s.settlement, Amount: payout}, {To: s.collector, Amount: fee}}

		now := s.now().UTC()
		markClaimed(rec, caller, fee, now)
		rec.Channel = kind
		evt := signal.Event{
			Kind:            signal.KindClaimRequestedViaChannel,
			RecordID:        rec.ID,
			Party:           caller,
			Amount:          new(big.Int).Set(payout),
			Channel:         string(kind),
			ChannelDetails:  details,
			ReferenceAmount: new(big.Int).Set(conv.Reference),
			AssetAmount:     new(big.Int).Set(payout),
			Rate:            conv.Quote.Rate,
			Timestamp:       now,
		}
		if !conv.Quote.UpdatedAt.IsZero() {
			updated := conv.Quote.UpdatedAt
			evt.RateUpdatedAt = &updated
		}
		out.Emit(evt)
		s.emitFee(out, rec.ID, fee, now)
		return transfers, nil
	})
	if err != nil {
		return ChannelClaim{}, err
	}

	s.logger.Info("channel claim requested", "id", id, "claimant", caller.Hex(), "channel", kind,
		"asset_amount", conv.Asset.String(), "reference_amount", conv.Reference.String())
	return ChannelClaim{
		ReferenceAmount: conv.Reference,
		AssetAmount:     conv.Asset,
		Quote:           conv.Quote,
	}, nil
}

// Reclaim returns the full amount of an expired, unclaimed record to its
// creator. The caller must be the creator and must also present the secret.
// A record created without an expiry can be reclaimed at any time.
func (s *Service) Reclaim(ctx context.Context, caller common.Address, id uint64, secret string) (*big.Int, error) {
	if id == 0 {
		return nil, ErrNotFound
	}
	presented := HashSecret(secret)

	var refund *big.Int
	err := s.finalize(ctx, id, func(rec *Record, out *Signals) ([]ledger.Transfer, error) {
		now := s.now().UTC()
		if err := authorizeReclaim(*rec, caller, presented, now); err != nil {
			return nil, err
		}
		refund = new(big.Int).Set(rec.Amount)
		transfers := []ledger.Transfer{{To: caller, Amount: refund}}

		rec.Amount = new(big.Int)
		rec.Status = StatusReclaimed
		rec.FinalizedAt = now
		out.Emit(signal.Event{
			Kind:      signal.KindReclaimed,
			RecordID:  rec.ID,
			Party:     caller,
			Amount:    new(big.Int).Set(refund),
			Timestamp: now,
		})
		return transfers, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("record reclaimed", "id", id, "funder", caller.Hex(), "refund", refund.String())
	return refund, nil
}

// Record returns the read model for id.
func (s *Service) Record(ctx context.Context, id uint64) (View, error) {
	if id == 0 {
		return View{}, ErrNotFound
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return rec.View(), nil
}

// FeesCollected is restricted to the fee collector.
func (s *Service) FeesCollected(ctx context.Context, caller common.Address) (*big.Int, error) {
	if err := authorizeCollector(caller, s.collector); err != nil {
		return nil, err
	}
	return s.repo.FeesCollected(ctx)
}

// SetFeeRate changes the rate applied to subsequent claims.
func (s *Service) SetFeeRate(_ context.Context, caller common.Address, bps uint32) error {
	if err := authorizeCollector(caller, s.collector); err != nil {
		return err
	}
	if bps > MaxFeeRateBps {
		return ErrInvalidFeeRate
	}
	s.mu.Lock()
	old := s.feeRate
	s.feeRate = bps
	s.mu.Unlock()
	s.logger.Info("fee rate updated", "old_bps", old, "new_bps", bps)
	return nil
}

func (s *Service) FeeRate() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeRate
}

func (s *Service) FeeCollector() common.Address {
	return s.collector
}

// stageFunc authorizes and stages a terminal transition on rec, returning the
// transfers that must succeed for it to commit.
type stageFunc func(rec *Record, out *Signals) ([]ledger.Transfer, error)

// finalize runs stage under the record's exclusive access, performs the
// transfers and lets the repository commit. A failed transfer aborts the
// unit of work before anything is written. When the ledger joined the
// repository's transaction a failed commit rolls the transfers back with the
// record; otherwise they are compensated by reversing them.
func (s *Service) finalize(ctx context.Context, id uint64, stage stageFunc) error {
	var (
		paid   []ledger.Transfer
		joined bool
	)
	err := s.repo.Update(ctx, id, func(txCtx context.Context, rec *Record, out *Signals) error {
		paid, joined = nil, false
		transfers, err := stage(rec, out)
		if err != nil {
			return err
		}
		if err := s.ledger.Pay(txCtx, transfers...); err != nil {
			s.logger.Warn("payout failed", "id", id, "error", err)
			return fmt.Errorf("%w: %v", ErrPayoutFailed, err)
		}
		paid, joined = transfers, enlisted(txCtx, s.ledger)
		return nil
	})
	if err == nil || paid == nil || joined {
		return err
	}

	s.logger.Error("commit failed after payout, reversing", "id", id, "error", err)
	if revErr := s.ledger.Reverse(ctx, paid...); revErr != nil {
		s.logger.Error("payout reversal failed", "id", id, "error", revErr)
		return errors.Join(fmt.Errorf("%w: commit: %v", ErrPayoutFailed, err), revErr)
	}
	return fmt.Errorf("%w: commit: %v", ErrPayoutFailed, err)
}

func markClaimed(rec *Record, claimant common.Address, fee *big.Int, now time.Time) {
	rec.Amount = new(big.Int)
	rec.Fee = new(big.Int).Set(fee)
	rec.Claimant = claimant
	rec.Status = StatusClaimed
	rec.FinalizedAt = now
}

func (s *Service) emitFee(out *Signals, id uint64, fee *big.Int, now time.Time) {
	if fee.Sign() == 0 {
		return
	}
	out.Emit(signal.Event{
		Kind:      signal.KindFeeCollected,
		RecordID:  id,
		Party:     s.collector,
		Amount:    new(big.Int).Set(fee),
		Timestamp: now,
	})
}
