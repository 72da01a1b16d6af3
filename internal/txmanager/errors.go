package txmanager

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mystikonetwork/mystiko-backend/internal/config"
)

var (
	ErrConfirmTimeout = errors.New("reached max confirm count")
	ErrTxReverted     = errors.New("transaction reverted")
	ErrPriceAboveMax  = errors.New("gas price above max price")
	ErrZeroGas        = errors.New("estimated gas is zero")
)

type ConfigError = config.ConfigError

type GasPriceError struct {
	ChainID uint64
	Err     error
}

func (e *GasPriceError) Error() string {
	if e == nil || e.Err == nil {
		return "gas price error"
	}
	return fmt.Sprintf("gas price error: chain %d: %v", e.ChainID, e.Err)
}

func (e *GasPriceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type EstimateGasError struct {
	ChainID uint64
	Err     error
	CallMsg ethereum.CallMsg
}

func (e *EstimateGasError) Error() string {
	if e == nil {
		return "estimate gas failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("estimate gas failed: chain %d", e.ChainID)
	}
	return fmt.Sprintf("estimate gas failed: chain %d: %v", e.ChainID, e.Err)
}

func (e *EstimateGasError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type NonceError struct {
	ChainID uint64
	Account common.Address
	Err     error
}

func (e *NonceError) Error() string {
	if e == nil || e.Err == nil {
		return "nonce error"
	}
	return fmt.Sprintf("nonce error: chain %d account %s: %v", e.ChainID, e.Account.Hex(), e.Err)
}

func (e *NonceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SendTxError covers both signing and broadcast failures. Hash is zero when
// signing failed.
type SendTxError struct {
	ChainID uint64
	Nonce   uint64
	Hash    common.Hash
	Err     error
}

func (e *SendTxError) Error() string {
	if e == nil || e.Err == nil {
		return "send tx error"
	}
	return fmt.Sprintf("send tx error: chain %d nonce %d: %v", e.ChainID, e.Nonce, e.Err)
}

func (e *SendTxError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type TxDroppedError struct {
	ChainID uint64
	Hash    common.Hash
	Err     error
}

func (e *TxDroppedError) Error() string {
	if e == nil {
		return "tx dropped"
	}
	if e.Err == nil {
		return fmt.Sprintf("tx dropped: chain %d tx %s", e.ChainID, e.Hash.Hex())
	}
	return fmt.Sprintf("tx dropped: chain %d tx %s: %v", e.ChainID, e.Hash.Hex(), e.Err)
}

func (e *TxDroppedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConfirmTxError wraps ErrTxReverted (with Receipt set) or ErrConfirmTimeout.
type ConfirmTxError struct {
	ChainID  uint64
	Hash     common.Hash
	MaxCount uint32
	Receipt  *types.Receipt
	Err      error
}

func (e *ConfirmTxError) Error() string {
	if e == nil || e.Err == nil {
		return "confirm tx error"
	}
	switch {
	case errors.Is(e.Err, ErrConfirmTimeout):
		return fmt.Sprintf("confirm tx error: chain %d tx %s: %v: %d", e.ChainID, e.Hash.Hex(), e.Err, e.MaxCount)
	case e.Receipt != nil:
		return fmt.Sprintf("confirm tx error: chain %d tx %s: %v: block %v status %d gas used %d",
			e.ChainID, e.Hash.Hex(), e.Err, e.Receipt.BlockNumber, e.Receipt.Status, e.Receipt.GasUsed)
	default:
		return fmt.Sprintf("confirm tx error: chain %d tx %s: %v", e.ChainID, e.Hash.Hex(), e.Err)
	}
}

func (e *ConfirmTxError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
