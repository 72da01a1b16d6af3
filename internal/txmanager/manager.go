package txmanager

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/mystikonetwork/mystiko-backend/internal/config"
	"github.com/mystikonetwork/mystiko-backend/internal/util"
)

// Manager sends and confirms transactions for one signer on one chain. The
// fee mechanism is chosen once in NewManager.
type Manager struct {
	chainID   uint64
	cfg       config.ChainTxConfig
	client    ChainClient
	signer    Signer
	fees      feeStrategy
	nonces    NonceSource
	locks     AccountLocker
	builder   *Builder
	submitter *Submitter
	confirmer *Confirmer
	fallback  *fallbackController
	logger    *slog.Logger
	attemptID func() string
}

type options struct {
	logger    *slog.Logger
	locks     AccountLocker
	nonces    NonceSource
	estimator FeeEstimator
	sleep     sleepFunc
	attemptID func() string
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAccountLocker replaces the in-process per-account lock, e.g. with one
// shared by several managers or processes.
func WithAccountLocker(locks AccountLocker) Option {
	return func(o *options) { o.locks = locks }
}

// WithNonceSource replaces the pending-pool nonce lookup.
func WithNonceSource(nonces NonceSource) Option {
	return func(o *options) { o.nonces = nonces }
}

func WithFeeEstimator(estimator FeeEstimator) Option {
	return func(o *options) { o.estimator = estimator }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func withAttemptID(fn func() string) Option {
	return func(o *options) { o.attemptID = fn }
}

// NewManager validates cfg and probes the node for EIP-1559 support.
func NewManager(ctx context.Context, client ChainClient, signer Signer, cfg config.ChainTxConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil || signer == nil {
		return nil, fmt.Errorf("chain %d: client and signer are required", cfg.ChainID)
	}
	o := options{
		locks:     NewAccountLocks(),
		estimator: EstimateEIP1559Fees,
		sleep:     util.Sleep,
		attemptID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.nonces == nil {
		o.nonces = NewPendingNonces(client)
	}

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	m := &Manager{
		chainID:   cfg.ChainID,
		cfg:       cfg,
		client:    client,
		signer:    signer,
		fees:      newFeeStrategy(ctx, client, cfg, o.estimator),
		nonces:    o.nonces,
		locks:     o.locks,
		builder:   NewBuilder(chainID, cfg.GasLimitReservePercentage),
		submitter: NewSubmitter(client, signer, chainID),
		logger:    o.logger,
		attemptID: o.attemptID,
	}
	m.confirmer = &Confirmer{
		client:        client,
		chainID:       cfg.ChainID,
		interval:      cfg.ConfirmInterval,
		confirmBlocks: cfg.ConfirmBlocks,
		maxCount:      cfg.MaxConfirmCount,
		sleep:         o.sleep,
		logger:        o.logger,
	}
	if m.fees.kind() == FeeLegacy && cfg.LowerGasPriceFallbackEnabled {
		m.fallback = &fallbackController{
			percent:      cfg.LowerGasPriceFallbackPercent,
			confirmCount: cfg.LowerGasPriceFallbackConfirmCount,
			confirmer:    m.confirmer,
		}
	}
	m.logger.Info("tx manager ready",
		"chain_id", cfg.ChainID,
		"account", signer.Address().Hex(),
		"fee_kind", m.fees.kind().String(),
		"fallback", m.fallback != nil,
	)
	return m, nil
}

func (m *Manager) ChainID() uint64 { return m.chainID }

func (m *Manager) Address() common.Address { return m.signer.Address() }

func (m *Manager) SupportsEIP1559() bool { return m.fees.kind() == FeeDynamic }

// Quote returns a fresh fee quote. It is never cached.
func (m *Manager) Quote(ctx context.Context) (FeeQuote, error) {
	q, err := m.fees.quote(ctx)
	if err != nil {
		return FeeQuote{}, &GasPriceError{ChainID: m.chainID, Err: err}
	}
	return q, nil
}

// GasPrice returns the total per-gas price of a fresh quote.
func (m *Manager) GasPrice(ctx context.Context) (*big.Int, error) {
	q, err := m.Quote(ctx)
	if err != nil {
		return nil, err
	}
	return q.Total(), nil
}

func (m *Manager) EstimateGas(ctx context.Context, req Request) (uint64, error) {
	msg := m.builder.CallMsg(m.signer.Address(), req, m.fees.kind(), m.cfg.MinPriorityFeePerGas)
	gas, err := m.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, &EstimateGasError{ChainID: m.chainID, Err: err, CallMsg: msg}
	}
	if gas == 0 {
		return 0, &EstimateGasError{ChainID: m.chainID, Err: ErrZeroGas, CallMsg: msg}
	}
	return gas, nil
}

// Send prices, signs and broadcasts req and returns its hash. It does not
// wait for inclusion, except for a lower gas price attempt which must confirm
// before its hash is returned. If ctx ends while that attempt is confirming,
// Send returns the broadcast hash together with the context error.
func (m *Manager) Send(ctx context.Context, req Request) (common.Hash, error) {
	if err := req.validate(); err != nil {
		return common.Hash{}, fmt.Errorf("chain %d: invalid request: %w", m.chainID, err)
	}
	log := m.logger.With("chain_id", m.chainID, "attempt", m.attemptID(), "to", req.To.Hex())

	if req.GasLimit == 0 {
		gas, err := m.EstimateGas(ctx, req)
		if err != nil {
			return common.Hash{}, err
		}
		req.GasLimit = gas
	}

	quote, err := m.checkedQuote(ctx, req.MaxPrice)
	if err != nil {
		return common.Hash{}, err
	}
	if m.fallback != nil {
		hash, ok, err := m.fallback.attempt(ctx, log, req, func(ctx context.Context, cheap Request) (common.Hash, error) {
			return m.submit(ctx, log, cheap, quote)
		})
		if err != nil {
			return hash, err
		}
		if ok {
			return hash, nil
		}
		if quote, err = m.checkedQuote(ctx, req.MaxPrice); err != nil {
			return common.Hash{}, err
		}
	}
	return m.submit(ctx, log, req, quote)
}

// Confirm waits for hash to be buried ConfirmBlocks deep and returns its
// successful receipt.
func (m *Manager) Confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return m.confirmer.Confirm(ctx, hash)
}

func (m *Manager) checkedQuote(ctx context.Context, maxPrice *big.Int) (FeeQuote, error) {
	q, err := m.Quote(ctx)
	if err != nil {
		return FeeQuote{}, err
	}
	if total := q.Total(); total.Cmp(maxPrice) > 0 {
		return FeeQuote{}, &GasPriceError{
			ChainID: m.chainID,
			Err:     fmt.Errorf("%w: quote %s (%s) > max %s", ErrPriceAboveMax, total, q.Kind, maxPrice),
		}
	}
	if q.Kind == FeeDynamic {
		tip := orZero(q.MaxPriorityFeePerGas)
		if feeCap := new(big.Int).Sub(maxPrice, tip); feeCap.Cmp(tip) < 0 {
			return FeeQuote{}, &GasPriceError{
				ChainID: m.chainID,
				Err:     fmt.Errorf("%w: max %s leaves fee cap %s below priority fee %s", ErrPriceAboveMax, maxPrice, feeCap, tip),
			}
		}
	}
	return q, nil
}

func (m *Manager) submit(ctx context.Context, log *slog.Logger, req Request, quote FeeQuote) (common.Hash, error) {
	from := m.signer.Address()
	unlock, err := m.locks.Lock(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	defer unlock()

	nonce, err := m.nonces.Next(ctx, from)
	if err != nil {
		return common.Hash{}, &NonceError{ChainID: m.chainID, Account: from, Err: err}
	}
	tx, err := m.builder.Build(req, nonce, quote)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain %d: build tx: %w", m.chainID, err)
	}
	hash, err := m.submitter.Submit(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	log.Info("tx sent",
		"tx_hash", hash.Hex(),
		"nonce", nonce,
		"gas", tx.Gas(),
		"fee_kind", quote.Kind.String(),
		"gas_price", tx.GasPrice().String(),
		"tip", tx.GasTipCap().String(),
	)
	return hash, nil
}
