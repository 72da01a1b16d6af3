package txmanager

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func fixedEstimator(maxFee, tip int64) FeeEstimator {
	return func(*big.Int, [][]*big.Int) (*big.Int, *big.Int) {
		return big.NewInt(maxFee), big.NewInt(tip)
	}
}

func TestFeeQuoteTotal(t *testing.T) {
	assert.Equal(t, int64(20), FeeQuote{Kind: FeeLegacy, GasPrice: big.NewInt(20)}.Total().Int64())
	assert.Equal(t, int64(105), FeeQuote{Kind: FeeDynamic, MaxFeePerGas: big.NewInt(100), MaxPriorityFeePerGas: big.NewInt(5)}.Total().Int64())
	assert.Equal(t, int64(0), FeeQuote{}.Total().Int64())
}

func TestProbeSelectsDynamic(t *testing.T) {
	client := (&mockClient{}).dynamicNode(10)
	m, _ := newTestManager(t, client, testChainConfig(1))
	assert.True(t, m.SupportsEIP1559())
}

func TestProbeWithoutBaseFeeSelectsLegacy(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	m, _ := newTestManager(t, client, testChainConfig(1))
	assert.False(t, m.SupportsEIP1559())
	client.AssertNotCalled(t, "FeeHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProbeFeeHistoryFailureSelectsLegacy(t *testing.T) {
	client := &mockClient{}
	client.On("HeaderByNumber", mock.Anything, mock.Anything).Return(&types.Header{BaseFee: big.NewInt(1)}, nil)
	client.On("FeeHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("method not found"))
	m, _ := newTestManager(t, client, testChainConfig(1))
	assert.False(t, m.SupportsEIP1559())
}

func TestForceGasPriceSkipsProbe(t *testing.T) {
	client := &mockClient{}
	cfg := testChainConfig(56)
	cfg.ForceGasPrice = true
	m, _ := newTestManager(t, client, cfg)
	assert.False(t, m.SupportsEIP1559())
	client.AssertNotCalled(t, "HeaderByNumber", mock.Anything, mock.Anything)
}

func TestDynamicQuoteClampsToMinPriorityFee(t *testing.T) {
	client := (&mockClient{}).dynamicNode(10)
	cfg := testChainConfig(1)
	cfg.MinPriorityFeePerGas = big.NewInt(5)
	m, _ := newTestManager(t, client, cfg, WithFeeEstimator(fixedEstimator(100, 2)))

	q, err := m.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FeeDynamic, q.Kind)
	assert.Equal(t, int64(5), q.MaxPriorityFeePerGas.Int64())
	assert.Equal(t, int64(100), q.MaxFeePerGas.Int64())

	price, err := m.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(105), price.Int64())
}

func TestDynamicQuoteClampsToMaxPriorityFee(t *testing.T) {
	client := (&mockClient{}).dynamicNode(10)
	cfg := testChainConfig(1)
	cfg.MinPriorityFeePerGas = big.NewInt(1)
	cfg.MaxPriorityFeePerGas = big.NewInt(3)
	m, _ := newTestManager(t, client, cfg, WithFeeEstimator(fixedEstimator(100, 9)))

	q, err := m.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.MaxPriorityFeePerGas.Int64())
}

func TestDynamicQuoteUsesDefaultEstimator(t *testing.T) {
	client := &mockClient{}
	client.On("HeaderByNumber", mock.Anything, mock.Anything).Return(&types.Header{BaseFee: gwei(1)}, nil)
	client.On("FeeHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&ethereum.FeeHistory{Reward: rewards(1, 2, 3)}, nil)
	m, _ := newTestManager(t, client, testChainConfig(1))

	q, err := m.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gwei(3), q.MaxPriorityFeePerGas)
	assert.Equal(t, gwei(4), q.MaxFeePerGas)
}

func TestLegacyQuoteFloorsAtMinGasPrice(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(3), nil)
	cfg := testChainConfig(1)
	cfg.MinGasPrice = big.NewInt(8)
	m, _ := newTestManager(t, client, cfg)

	price, err := m.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), price.Int64())
}

func TestGasPriceIsStable(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(20), nil)
	m, _ := newTestManager(t, client, testChainConfig(1))

	first, err := m.GasPrice(context.Background())
	require.NoError(t, err)
	second, err := m.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	client.AssertNumberOfCalls(t, "SuggestGasPrice", 2)
}

func TestGasPriceErrorWrapsCause(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	cause := errors.New("rpc down")
	client.On("SuggestGasPrice", mock.Anything).Return(nil, cause)
	m, _ := newTestManager(t, client, testChainConfig(1))

	_, err := m.GasPrice(context.Background())
	var gpErr *GasPriceError
	require.True(t, errors.As(err, &gpErr))
	assert.Equal(t, uint64(1), gpErr.ChainID)
	assert.ErrorIs(t, err, cause)
}
