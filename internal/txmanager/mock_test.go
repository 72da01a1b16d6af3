package txmanager

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mystikonetwork/mystiko-backend/internal/config"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type mockClient struct {
	mock.Mock

	mu   sync.Mutex
	sent []*types.Transaction
}

func (m *mockClient) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).(*big.Int)
	return v, args.Error(1)
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	args := m.Called(ctx, number)
	v, _ := args.Get(0).(*types.Header)
	return v, args.Error(1)
}

func (m *mockClient) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error) {
	args := m.Called(ctx, blockCount, lastBlock, rewardPercentiles)
	v, _ := args.Get(0).(*ethereum.FeeHistory)
	return v, args.Error(1)
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).(*big.Int)
	return v, args.Error(1)
}

func (m *mockClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	m.sent = append(m.sent, tx)
	m.mu.Unlock()
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockClient) TransactionBlockNumber(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	args := m.Called(ctx, hash)
	return args.Get(0).(uint64), args.Bool(1), args.Error(2)
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, hash)
	v, _ := args.Get(0).(*types.Receipt)
	return v, args.Error(1)
}

func (m *mockClient) sentTxs() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.sent...)
}

// legacyNode makes the EIP-1559 probe fail.
func (m *mockClient) legacyNode() *mockClient {
	m.On("HeaderByNumber", mock.Anything, mock.Anything).Return(&types.Header{Number: big.NewInt(1)}, nil).Maybe()
	return m
}

func (m *mockClient) dynamicNode(baseFee int64) *mockClient {
	m.On("HeaderByNumber", mock.Anything, mock.Anything).Return(&types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(baseFee)}, nil).Maybe()
	m.On("FeeHistory", mock.Anything, uint64(FeeHistoryBlocks), mock.Anything, []float64{RewardPercentile}).
		Return(&ethereum.FeeHistory{Reward: [][]*big.Int{{big.NewInt(1)}}}, nil).Maybe()
	return m
}

type keySigner struct {
	key *ecdsa.PrivateKey
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	return &keySigner{key: key}
}

func (s *keySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *keySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

type failingSigner struct {
	keySigner
}

func (s *failingSigner) SignTx(context.Context, *types.Transaction, *big.Int) (*types.Transaction, error) {
	return nil, errors.New("locked")
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testChainConfig(chainID uint64) config.ChainTxConfig {
	return config.ChainTxConfig{
		ChainID:                           chainID,
		GasLimitReservePercentage:         10,
		ConfirmInterval:                   time.Second,
		ConfirmBlocks:                     0,
		MaxConfirmCount:                   5,
		LowerGasPriceFallbackPercent:      80,
		LowerGasPriceFallbackConfirmCount: 2,
	}
}

func newTestManager(t *testing.T, client *mockClient, cfg config.ChainTxConfig, opts ...Option) (*Manager, *sleepRecorder) {
	t.Helper()
	sleeper := &sleepRecorder{}
	opts = append([]Option{WithSleep(sleeper.sleep), withAttemptID(func() string { return "test" })}, opts...)
	m, err := NewManager(context.Background(), client, newKeySigner(t), cfg, opts...)
	require.NoError(t, err)
	return m, sleeper
}
