package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

const defaultTimeout = 5 * time.Second

// Feed reads the latest rate from an external price source.
type Feed interface {
	Latest(ctx context.Context) (Quote, error)
}

// Config controls how the adapter scales and bounds feed calls.
type Config struct {
	AssetDecimals     uint8
	ReferenceDecimals uint8
	Timeout           time.Duration
}

// Adapter wraps a Feed and derives asset <-> reference conversions. Every
// conversion reads a fresh quote; nothing is cached.
type Adapter struct {
	feed       Feed
	assetScale *big.Int
	refDec     uint8
	timeout    time.Duration
	logger     *slog.Logger
}

func NewAdapter(feed Feed, cfg Config, logger *slog.Logger) (*Adapter, error) {
	if feed == nil {
		return nil, fmt.Errorf("price feed is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{
		feed:       feed,
		assetScale: Pow10(cfg.AssetDecimals),
		refDec:     cfg.ReferenceDecimals,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// ReferenceDecimals is the precision of reference-currency amounts.
func (a *Adapter) ReferenceDecimals() uint8 {
	return a.refDec
}

// AssetScale is the number of asset base units per whole asset unit.
func (a *Adapter) AssetScale() *big.Int {
	return new(big.Int).Set(a.assetScale)
}

// Quote fetches the current rate within the adapter's timeout.
func (a *Adapter) Quote(ctx context.Context) (Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	q, err := a.feed.Latest(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidRate) || errors.Is(err, ErrOracleUnavailable) {
			return Quote{}, err
		}
		a.logger.Warn("price feed read failed", "error", err)
		return Quote{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if q.Rate == nil || q.Rate.Sign() <= 0 {
		return Quote{}, ErrInvalidRate
	}
	return q, nil
}

// AssetToReference converts asset base units to reference-currency base units.
func (a *Adapter) AssetToReference(ctx context.Context, amount *big.Int) (*big.Int, error) {
	conv, err := a.Convert(ctx, amount)
	if err != nil {
		return nil, err
	}
	return conv.Reference, nil
}

// ReferenceToAsset converts reference-currency base units to asset base units.
func (a *Adapter) ReferenceToAsset(ctx context.Context, amount *big.Int) (*big.Int, error) {
	q, err := a.Quote(ctx)
	if err != nil {
		return nil, err
	}
	return ToAsset(amount, q.Rate, a.assetScale)
}

// Convert prices an asset amount and returns the quote it used.
func (a *Adapter) Convert(ctx context.Context, amount *big.Int) (Conversion, error) {
	q, err := a.Quote(ctx)
	if err != nil {
		return Conversion{}, err
	}
	ref, err := ToReference(amount, q.Rate, a.assetScale)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{
		Asset:     new(big.Int).Set(amount),
		Reference: ref,
		Quote:     q,
	}, nil
}
