package txmanager

import (
	"math/big"
	"sort"
)

const (
	FeeHistoryBlocks = 10
	RewardPercentile = 5.0

	// Percentage jump between neighbouring samples that marks the start of
	// an upper cluster.
	outlierThresholdPercent = 200
)

var (
	PriorityFeeTrigger = big.NewInt(100_000_000_000)
	DefaultPriorityFee = big.NewInt(3_000_000_000)
)

// FeeEstimator turns a base fee and fee-history rewards into
// (maxFeePerGas, maxPriorityFeePerGas).
type FeeEstimator func(baseFee *big.Int, rewards [][]*big.Int) (*big.Int, *big.Int)

// EstimatePriorityFee returns the median of the non-zero first-percentile
// rewards. When the largest jump between sorted neighbours reaches the
// outlier threshold in the upper half, samples below the jump are ignored.
func EstimatePriorityFee(rewards [][]*big.Int) *big.Int {
	values := make([]*big.Int, 0, len(rewards))
	for _, r := range rewards {
		if len(r) == 0 || r[0] == nil || r[0].Sign() <= 0 {
			continue
		}
		values = append(values, new(big.Int).Set(r[0]))
	}
	if len(values) == 0 {
		return big.NewInt(0)
	}
	if len(values) == 1 {
		return values[0]
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })

	hundred := big.NewInt(100)
	var maxChange *big.Int
	maxIndex := 0
	for i := 0; i < len(values)-1; i++ {
		change := new(big.Int).Sub(values[i+1], values[i])
		change.Mul(change, hundred)
		change.Quo(change, values[i])
		if maxChange == nil || change.Cmp(maxChange) > 0 {
			maxChange = change
			maxIndex = i
		}
	}
	if maxChange.Cmp(big.NewInt(outlierThresholdPercent)) >= 0 && maxIndex >= len(values)/2 {
		values = values[maxIndex:]
	}
	return values[len(values)/2]
}

// EstimateEIP1559Fees is the default FeeEstimator.
func EstimateEIP1559Fees(baseFee *big.Int, rewards [][]*big.Int) (*big.Int, *big.Int) {
	priority := new(big.Int).Set(DefaultPriorityFee)
	if baseFee.Cmp(PriorityFeeTrigger) >= 0 {
		if est := EstimatePriorityFee(rewards); est.Cmp(priority) > 0 {
			priority = est
		}
	}
	maxFee := new(big.Int).Set(baseFee)
	if priority.Cmp(baseFee) > 0 {
		maxFee.Add(priority, baseFee)
	}
	return maxFee, priority
}
