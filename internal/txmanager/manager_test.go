package txmanager

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testTo = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestNewManagerRejectsInvalidConfig(t *testing.T) {
	cfg := testChainConfig(1)
	cfg.MinPriorityFeePerGas = big.NewInt(10)
	cfg.MaxPriorityFeePerGas = big.NewInt(5)
	_, err := NewManager(context.Background(), &mockClient{}, newKeySigner(t), cfg)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, uint64(1), cfgErr.ChainID)
}

func TestSendLegacyThenConfirm(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	signer := newKeySigner(t)
	client.On("PendingNonceAt", mock.Anything, signer.Address()).Return(uint64(5), nil)
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(20), nil)
	client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(21000), nil)
	client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)
	m, sleeper := newTestManager(t, client, testChainConfig(1))

	hash, err := m.Send(context.Background(), Request{
		To:       testTo,
		Data:     []byte{0x01, 0x02},
		Value:    big.NewInt(7),
		MaxPrice: big.NewInt(30),
	})
	require.NoError(t, err)

	sent := client.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, uint64(23100), tx.Gas())
	assert.Equal(t, int64(30), tx.GasPrice().Int64())
	assert.Equal(t, int64(7), tx.Value().Int64())
	assert.Equal(t, testTo, *tx.To())
	assert.Equal(t, int64(1), tx.ChainId().Int64())
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	client.On("TransactionBlockNumber", mock.Anything, hash).Return(uint64(100), false, nil)
	client.On("BlockNumber", mock.Anything).Return(uint64(100), nil)
	client.On("TransactionReceipt", mock.Anything, hash).
		Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(100)}, nil)

	receipt, err := m.Confirm(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
	assert.Equal(t, OutcomeConfirmed, OutcomeOf(err))
	assert.Equal(t, 1, sleeper.count())
}

func TestSendWithGasLimitSkipsEstimate(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(0), nil)
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(20), nil)
	client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)
	cfg := testChainConfig(1)
	cfg.GasLimitReservePercentage = 15
	m, _ := newTestManager(t, client, cfg)

	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 100001, MaxPrice: big.NewInt(20)})
	require.NoError(t, err)
	client.AssertNotCalled(t, "EstimateGas", mock.Anything, mock.Anything)
	assert.Equal(t, uint64(115001), client.sentTxs()[0].Gas())
}

func TestSendRejectsQuoteAboveMaxPrice(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(31), nil)
	m, _ := newTestManager(t, client, testChainConfig(1))

	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 21000, MaxPrice: big.NewInt(30)})
	var gpErr *GasPriceError
	require.True(t, errors.As(err, &gpErr))
	assert.ErrorIs(t, err, ErrPriceAboveMax)
	client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "PendingNonceAt", mock.Anything, mock.Anything)
}

func TestSendDynamicRejectsQuoteAboveMaxPrice(t *testing.T) {
	client := (&mockClient{}).dynamicNode(10)
	m, _ := newTestManager(t, client, testChainConfig(1), WithFeeEstimator(fixedEstimator(100, 2)))

	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 21000, MaxPrice: big.NewInt(101)})
	assert.ErrorIs(t, err, ErrPriceAboveMax)
	client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestSendDynamicRejectsTipAboveFeeCap(t *testing.T) {
	client := (&mockClient{}).dynamicNode(10)
	cfg := testChainConfig(137)
	cfg.MinPriorityFeePerGas = big.NewInt(30)
	m, _ := newTestManager(t, client, cfg, WithFeeEstimator(fixedEstimator(4, 3)))

	q, err := m.Quote(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(34), q.Total().Int64())

	_, err = m.Send(context.Background(), Request{To: testTo, GasLimit: 21000, MaxPrice: big.NewInt(50)})
	var gasErr *GasPriceError
	require.True(t, errors.As(err, &gasErr))
	assert.Equal(t, uint64(137), gasErr.ChainID)
	assert.ErrorIs(t, err, ErrPriceAboveMax)
	client.AssertNotCalled(t, "PendingNonceAt", mock.Anything, mock.Anything)
	assert.Empty(t, client.sentTxs())
}

func TestSendDynamicFeeFields(t *testing.T) {
	client := (&mockClient{}).dynamicNode(10)
	client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(9), nil)
	client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)
	cfg := testChainConfig(1)
	cfg.MinPriorityFeePerGas = big.NewInt(5)
	m, _ := newTestManager(t, client, cfg, WithFeeEstimator(fixedEstimator(100, 2)))

	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 50000, MaxPrice: big.NewInt(120)})
	require.NoError(t, err)

	tx := client.sentTxs()[0]
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(9), tx.Nonce())
	assert.Equal(t, uint64(55000), tx.Gas())
	assert.Equal(t, int64(5), tx.GasTipCap().Int64())
	assert.Equal(t, int64(115), tx.GasFeeCap().Int64())
}

func TestSendRejectsMissingMaxPrice(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	m, _ := newTestManager(t, client, testChainConfig(1))
	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 21000})
	require.Error(t, err)
	client.AssertNotCalled(t, "SuggestGasPrice", mock.Anything)
}

func TestEstimateGasZeroIsError(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), nil)
	m, _ := newTestManager(t, client, testChainConfig(1))

	_, err := m.EstimateGas(context.Background(), Request{To: testTo, MaxPrice: big.NewInt(10)})
	var estErr *EstimateGasError
	require.True(t, errors.As(err, &estErr))
	assert.ErrorIs(t, err, ErrZeroGas)
	assert.Equal(t, int64(10), estErr.CallMsg.GasPrice.Int64())
}

func TestEstimateGasDynamicUsesMinPriorityFee(t *testing.T) {
	client := (&mockClient{}).dynamicNode(10)
	cfg := testChainConfig(1)
	cfg.MinPriorityFeePerGas = big.NewInt(4)
	client.On("EstimateGas", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return msg.GasTipCap.Int64() == 4 && msg.GasFeeCap.Int64() == 96 && msg.GasPrice == nil
	})).Return(uint64(42000), nil)
	m, _ := newTestManager(t, client, cfg)

	gas, err := m.EstimateGas(context.Background(), Request{To: testTo, MaxPrice: big.NewInt(100)})
	require.NoError(t, err)
	assert.Equal(t, uint64(42000), gas)
}

func TestSendEstimateFailureStopsBeforeBroadcast(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("execution reverted"))
	m, _ := newTestManager(t, client, testChainConfig(1))

	_, err := m.Send(context.Background(), Request{To: testTo, MaxPrice: big.NewInt(10)})
	var estErr *EstimateGasError
	require.True(t, errors.As(err, &estErr))
	assert.Contains(t, err.Error(), "execution reverted")
	client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestSendNonceError(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1), nil)
	client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(0), errors.New("timeout"))
	m, _ := newTestManager(t, client, testChainConfig(1))

	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 21000, MaxPrice: big.NewInt(10)})
	var nonceErr *NonceError
	require.True(t, errors.As(err, &nonceErr))
	assert.Equal(t, m.Address(), nonceErr.Account)
}

func TestSendBroadcastError(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1), nil)
	client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(3), nil)
	client.On("SendTransaction", mock.Anything, mock.Anything).Return(errors.New("nonce too low"))
	m, _ := newTestManager(t, client, testChainConfig(1))

	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 21000, MaxPrice: big.NewInt(10)})
	var sendErr *SendTxError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, uint64(3), sendErr.Nonce)
	assert.NotEqual(t, common.Hash{}, sendErr.Hash)
	client.AssertNumberOfCalls(t, "SendTransaction", 1)
}

func TestSendSignError(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1), nil)
	client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(3), nil)
	signer := &failingSigner{keySigner: *newKeySigner(t)}
	m, err := NewManager(context.Background(), client, signer, testChainConfig(1))
	require.NoError(t, err)

	_, err = m.Send(context.Background(), Request{To: testTo, GasLimit: 21000, MaxPrice: big.NewInt(10)})
	var sendErr *SendTxError
	require.True(t, errors.As(err, &sendErr))
	assert.Contains(t, err.Error(), "locked")
	client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

type countingLocker struct {
	inner  AccountLocker
	locked int
}

func (c *countingLocker) Lock(ctx context.Context, account common.Address) (func(), error) {
	c.locked++
	return c.inner.Lock(ctx, account)
}

func TestSendUsesInjectedLocker(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1), nil)
	client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(0), nil)
	client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)
	locker := &countingLocker{inner: NewAccountLocks()}
	m, _ := newTestManager(t, client, testChainConfig(1), WithAccountLocker(locker))

	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 21000, MaxPrice: big.NewInt(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, locker.locked)

	// The section must have been released.
	unlock, err := locker.inner.Lock(context.Background(), m.Address())
	require.NoError(t, err)
	unlock()
}

type fixedNonces struct {
	next  uint64
	calls int
}

func (f *fixedNonces) Next(context.Context, common.Address) (uint64, error) {
	f.calls++
	return f.next, nil
}

func TestSendUsesInjectedNonceSource(t *testing.T) {
	client := (&mockClient{}).legacyNode()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1), nil)
	client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)
	nonces := &fixedNonces{next: 42}
	m, _ := newTestManager(t, client, testChainConfig(1), WithNonceSource(nonces))

	_, err := m.Send(context.Background(), Request{To: testTo, GasLimit: 21000, MaxPrice: big.NewInt(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, nonces.calls)
	assert.Equal(t, uint64(42), client.sentTxs()[0].Nonce())
	client.AssertNotCalled(t, "PendingNonceAt", mock.Anything, mock.Anything)
}
