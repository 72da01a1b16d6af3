package txmanager

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/mystikonetwork/mystiko-backend/internal/config"
)

type FeeKind uint8

const (
	FeeLegacy FeeKind = iota
	FeeDynamic
)

func (k FeeKind) String() string {
	switch k {
	case FeeLegacy:
		return "legacy"
	case FeeDynamic:
		return "eip1559"
	default:
		return fmt.Sprintf("FeeKind(%d)", uint8(k))
	}
}

// FeeQuote is a fresh fee reading. Legacy quotes set GasPrice, dynamic
// quotes set MaxFeePerGas and MaxPriorityFeePerGas.
type FeeQuote struct {
	Kind                 FeeKind
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Total is the per-gas price compared against a request's MaxPrice.
func (q FeeQuote) Total() *big.Int {
	if q.Kind == FeeDynamic {
		return new(big.Int).Add(orZero(q.MaxFeePerGas), orZero(q.MaxPriorityFeePerGas))
	}
	return new(big.Int).Set(orZero(q.GasPrice))
}

type feeStrategy interface {
	kind() FeeKind
	quote(ctx context.Context) (FeeQuote, error)
}

type legacyFees struct {
	client      ChainClient
	minGasPrice *big.Int
}

func (f *legacyFees) kind() FeeKind { return FeeLegacy }

func (f *legacyFees) quote(ctx context.Context) (FeeQuote, error) {
	price, err := f.client.SuggestGasPrice(ctx)
	if err != nil {
		return FeeQuote{}, err
	}
	if price == nil {
		return FeeQuote{}, errors.New("node returned no gas price")
	}
	if f.minGasPrice != nil && price.Cmp(f.minGasPrice) < 0 {
		price = new(big.Int).Set(f.minGasPrice)
	}
	return FeeQuote{Kind: FeeLegacy, GasPrice: price}, nil
}

type dynamicFees struct {
	client   ChainClient
	estimate FeeEstimator
	minTip   *big.Int
	maxTip   *big.Int
}

func (f *dynamicFees) kind() FeeKind { return FeeDynamic }

func (f *dynamicFees) quote(ctx context.Context) (FeeQuote, error) {
	header, err := f.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeQuote{}, err
	}
	if header == nil || header.BaseFee == nil {
		return FeeQuote{}, errors.New("latest block has no base fee")
	}
	history, err := f.client.FeeHistory(ctx, FeeHistoryBlocks, nil, []float64{RewardPercentile})
	if err != nil {
		return FeeQuote{}, err
	}
	if history == nil {
		return FeeQuote{}, errors.New("node returned no fee history")
	}
	maxFee, tip := f.estimate(header.BaseFee, history.Reward)
	if f.minTip != nil && tip.Cmp(f.minTip) < 0 {
		tip = new(big.Int).Set(f.minTip)
	} else if f.maxTip != nil && tip.Cmp(f.maxTip) > 0 {
		tip = new(big.Int).Set(f.maxTip)
	}
	return FeeQuote{Kind: FeeDynamic, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// probeEIP1559 reports whether the node serves both a base fee and fee
// history. Any failure means legacy pricing.
func probeEIP1559(ctx context.Context, client ChainClient) bool {
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil || header == nil || header.BaseFee == nil {
		return false
	}
	history, err := client.FeeHistory(ctx, FeeHistoryBlocks, nil, []float64{RewardPercentile})
	return err == nil && history != nil
}

func newFeeStrategy(ctx context.Context, client ChainClient, cfg config.ChainTxConfig, estimate FeeEstimator) feeStrategy {
	if !cfg.ForceGasPrice && probeEIP1559(ctx, client) {
		return &dynamicFees{
			client:   client,
			estimate: estimate,
			minTip:   cfg.MinPriorityFeePerGas,
			maxTip:   cfg.MaxPriorityFeePerGas,
		}
	}
	return &legacyFees{client: client, minGasPrice: cfg.MinGasPrice}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
