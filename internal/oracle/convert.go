package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrInvalidRate       = errors.New("invalid oracle rate")
	ErrNegativeAmount    = errors.New("amount must not be negative")
)

// Quote is one observation of the external price feed. Rate is expressed in
// reference-currency base units per whole asset unit.
type Quote struct {
	Rate      *big.Int
	RoundID   *big.Int
	UpdatedAt time.Time
}

// Conversion carries both sides of an asset -> reference conversion together
// with the quote it was priced at.
type Conversion struct {
	Asset     *big.Int
	Reference *big.Int
	Quote     Quote
}

// Pow10 returns 10^decimals.
func Pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ToReference computes amount * rate / assetScale. The product is formed
// before the division; the result truncates toward zero.
func ToReference(amount, rate, assetScale *big.Int) (*big.Int, error) {
	if err := checkOperands(amount, rate); err != nil {
		return nil, err
	}
	if assetScale == nil || assetScale.Sign() <= 0 {
		return nil, fmt.Errorf("asset scale must be positive")
	}
	out := new(big.Int).Mul(amount, rate)
	return out.Quo(out, assetScale), nil
}

// ToAsset computes amount * assetScale / rate, truncating toward zero.
func ToAsset(amount, rate, assetScale *big.Int) (*big.Int, error) {
	if err := checkOperands(amount, rate); err != nil {
		return nil, err
	}
	if assetScale == nil || assetScale.Sign() <= 0 {
		return nil, fmt.Errorf("asset scale must be positive")
	}
	out := new(big.Int).Mul(amount, assetScale)
	return out.Quo(out, rate), nil
}

func checkOperands(amount, rate *big.Int) error {
	if rate == nil || rate.Sign() <= 0 {
		return ErrInvalidRate
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// Rescale moves a fixed-point value from one decimal precision to another.
// Narrowing truncates toward zero.
func Rescale(value *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(value)
	switch {
	case to > from:
		out.Mul(out, Pow10(to-from))
	case from > to:
		out.Quo(out, Pow10(from-to))
	}
	return out
}

// Format renders a fixed-point integer amount as a decimal string with the
// given number of fractional digits, e.g. 199950 at 2 decimals -> "1999.50".
func Format(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return decimal.Zero.StringFixed(int32(decimals))
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).StringFixed(int32(decimals))
}
