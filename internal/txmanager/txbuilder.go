package txmanager

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Request describes one transaction a caller wants sent. MaxPrice is the
// highest total price per gas the caller authorizes. A zero GasLimit makes
// Send estimate it first.
type Request struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	MaxPrice *big.Int
}

func (r Request) value() *big.Int {
	if r.Value == nil {
		return big.NewInt(0)
	}
	return r.Value
}

func (r Request) validate() error {
	if r.MaxPrice == nil || r.MaxPrice.Sign() <= 0 {
		return errors.New("max price must be positive")
	}
	if r.Value != nil && r.Value.Sign() < 0 {
		return errors.New("value must be non-negative")
	}
	return nil
}

type Builder struct {
	ChainID           *big.Int
	ReservePercentage uint32
}

func NewBuilder(chainID *big.Int, reservePercentage uint32) *Builder {
	return &Builder{
		ChainID:           new(big.Int).Set(chainID),
		ReservePercentage: reservePercentage,
	}
}

// GasLimit inflates an estimate by the reserve percentage, rounding down.
func (b *Builder) GasLimit(estimate uint64) uint64 {
	return estimate * (100 + uint64(b.ReservePercentage)) / 100
}

// Build assembles an unsigned transaction. Legacy transactions are priced at
// req.MaxPrice. Dynamic ones tip the quoted priority fee and cap the fee at
// req.MaxPrice minus that tip.
func (b *Builder) Build(req Request, nonce uint64, quote FeeQuote) (*types.Transaction, error) {
	if b.ChainID == nil {
		return nil, errors.New("chainID is required")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.GasLimit == 0 {
		return nil, errors.New("gasLimit is required")
	}
	to := req.To
	gas := b.GasLimit(req.GasLimit)
	switch quote.Kind {
	case FeeLegacy:
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: new(big.Int).Set(req.MaxPrice),
			Gas:      gas,
			To:       &to,
			Value:    req.value(),
			Data:     req.Data,
		}), nil
	case FeeDynamic:
		tip := quote.MaxPriorityFeePerGas
		if tip == nil || tip.Sign() < 0 {
			return nil, errors.New("maxPriorityFeePerGas is required")
		}
		feeCap := new(big.Int).Sub(req.MaxPrice, tip)
		if feeCap.Cmp(tip) < 0 {
			return nil, errors.New("maxFeePerGas would be below maxPriorityFeePerGas")
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).Set(b.ChainID),
			Nonce:     nonce,
			GasTipCap: new(big.Int).Set(tip),
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     req.value(),
			Data:      req.Data,
		}), nil
	default:
		return nil, errors.New("unknown fee kind")
	}
}

// CallMsg is the provisional message used for gas estimation. tip only
// applies to dynamic pricing and may be nil.
func (b *Builder) CallMsg(from common.Address, req Request, kind FeeKind, tip *big.Int) ethereum.CallMsg {
	to := req.To
	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: req.value(),
		Data:  req.Data,
	}
	if req.MaxPrice == nil {
		return msg
	}
	if kind == FeeLegacy {
		msg.GasPrice = new(big.Int).Set(req.MaxPrice)
		return msg
	}
	if tip == nil {
		tip = new(big.Int)
	}
	msg.GasTipCap = new(big.Int).Set(tip)
	msg.GasFeeCap = new(big.Int).Sub(req.MaxPrice, tip)
	if msg.GasFeeCap.Sign() < 0 {
		msg.GasFeeCap = new(big.Int).Set(req.MaxPrice)
	}
	return msg
}
