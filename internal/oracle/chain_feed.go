package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/itua234/gifty/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainFeed reads an AggregatorV3-compatible price feed contract.
type ChainFeed struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	address      common.Address
	feedDecimals uint8
	refDecimals  uint8
}

type ChainFeedConfig struct {
	RPCURL            string
	FeedAddress       string
	ReferenceDecimals uint8
}

// DialChainFeed connects to the RPC endpoint and binds the feed contract.
func DialChainFeed(ctx context.Context, cfg ChainFeedConfig) (*ChainFeed, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.FeedAddress) {
		return nil, fmt.Errorf("invalid feed address %q", cfg.FeedAddress)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	feed, err := NewChainFeed(ctx, cli, common.HexToAddress(cfg.FeedAddress), cfg.ReferenceDecimals)
	if err != nil {
		cli.Close()
		return nil, err
	}
	feed.client = cli
	return feed, nil
}

// NewChainFeed binds the feed at address through caller and reads the feed's
// decimals once.
func NewChainFeed(ctx context.Context, caller bind.ContractCaller, address common.Address, referenceDecimals uint8) (*ChainFeed, error) {
	parsedABI, err := abi.JSON(strings.NewReader(contracts.AggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	f := &ChainFeed{
		contract:    bind.NewBoundContract(address, parsedABI, caller, nil, nil),
		address:     address,
		refDecimals: referenceDecimals,
	}

	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return nil, fmt.Errorf("%w: read feed decimals: %v", ErrOracleUnavailable, err)
	}
	f.feedDecimals = *abi.ConvertType(out[0], new(uint8)).(*uint8)
	return f, nil
}

func (f *ChainFeed) Latest(ctx context.Context) (Quote, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return Quote{}, fmt.Errorf("%w: latestRoundData: %v", ErrOracleUnavailable, err)
	}

	roundID := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	answer := *abi.ConvertType(out[1], new(*big.Int)).(**big.Int)
	updatedAt := *abi.ConvertType(out[3], new(*big.Int)).(**big.Int)

	if answer.Sign() <= 0 {
		return Quote{}, ErrInvalidRate
	}
	rate := Rescale(answer, f.feedDecimals, f.refDecimals)
	if rate.Sign() <= 0 {
		return Quote{}, ErrInvalidRate
	}

	return Quote{
		Rate:      rate,
		RoundID:   roundID,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// Address is the bound feed contract.
func (f *ChainFeed) Address() common.Address {
	return f.address
}

// Ping checks RPC reachability.
func (f *ChainFeed) Ping(ctx context.Context) error {
	if f.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := f.client.BlockNumber(ctx)
	return err
}

func (f *ChainFeed) Close() {
	if f.client != nil {
		f.client.Close()
	}
}
