package escrow

import (
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MaxFeeRateBps is 100%.
const MaxFeeRateBps = 10_000

type ChannelKind string

const (
	ChannelBank        ChannelKind = "bank"
	ChannelAirtime     ChannelKind = "airtime"
	ChannelData        ChannelKind = "data"
	ChannelDirectAsset ChannelKind = "direct_asset"
)

// minimum detail lengths: account number + routing code, or an MSISDN.
var channelMinLength = map[ChannelKind]int{
	ChannelBank:    10,
	ChannelAirtime: 10,
	ChannelData:    10,
}

func ParseChannelKind(s string) (ChannelKind, error) {
	kind := ChannelKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case ChannelBank, ChannelAirtime, ChannelData, ChannelDirectAsset:
		return kind, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidChannel, s)
}

// ValidateChannel checks only the minimal shape of details; the settlement
// worker owns deeper validation.
func ValidateChannel(kind ChannelKind, details string) error {
	details = strings.TrimSpace(details)
	if details == "" {
		return fmt.Errorf("%w: details required", ErrInvalidChannel)
	}
	if kind == ChannelDirectAsset {
		if !common.IsHexAddress(details) {
			return fmt.Errorf("%w: destination must be a hex address", ErrInvalidChannel)
		}
		return nil
	}
	minLen, ok := channelMinLength[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChannel, kind)
	}
	if len(details) < minLen {
		return fmt.Errorf("%w: %s details shorter than %d characters", ErrInvalidChannel, kind, minLen)
	}
	return nil
}

// HashSecret is the one-way commitment stored in place of the secret.
func HashSecret(secret string) common.Hash {
	return crypto.Keccak256Hash([]byte(secret))
}

func secretMatches(stored, presented common.Hash) bool {
	return subtle.ConstantTimeCompare(stored[:], presented[:]) == 1
}

// ComputeFee splits amount into floor(amount*bps/10000) and the remainder.
func ComputeFee(amount *big.Int, bps uint32) (fee, payout *big.Int) {
	fee = new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	fee.Quo(fee, big.NewInt(MaxFeeRateBps))
	payout = new(big.Int).Sub(amount, fee)
	return fee, payout
}

func validateCreate(funder common.Address, amount *big.Int, secret string) error {
	if funder == (common.Address{}) {
		return ErrInvalidFunder
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return ErrAmountOverflow
	}
	if secret == "" {
		return fmt.Errorf("%w: secret must not be empty", ErrInvalidSecret)
	}
	return nil
}

func authorizeClaim(rec Record, caller common.Address, presented common.Hash) error {
	if caller == (common.Address{}) {
		return ErrInvalidClaimant
	}
	if rec.Status == StatusNonExistent {
		return ErrNotFound
	}
	if rec.Status != StatusActive {
		return ErrAlreadyFinalized
	}
	if !secretMatches(rec.SecretHash, presented) {
		return ErrInvalidSecret
	}
	return nil
}

func authorizeReclaim(rec Record, caller common.Address, presented common.Hash, now time.Time) error {
	if rec.Status == StatusNonExistent {
		return ErrNotFound
	}
	if caller != rec.Creator {
		return ErrNotAuthorized
	}
	if rec.Status != StatusActive {
		return ErrAlreadyFinalized
	}
	if rec.Expires() && now.Before(rec.ExpireAt) {
		return ErrNotYetExpired
	}
	if !secretMatches(rec.SecretHash, presented) {
		return ErrInvalidSecret
	}
	return nil
}

func authorizeCollector(caller, collector common.Address) error {
	if caller == (common.Address{}) || caller != collector {
		return ErrNotAuthorized
	}
	return nil
}
