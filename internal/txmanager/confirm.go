package txmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeConfirmed
	OutcomeReverted
	OutcomeDropped
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeReverted:
		return "reverted"
	case OutcomeDropped:
		return "dropped"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// OutcomeOf classifies the error returned by Confirm. Context and other
// errors leave the outcome unknown since the transaction may still land.
func OutcomeOf(err error) Outcome {
	var dropped *TxDroppedError
	switch {
	case err == nil:
		return OutcomeConfirmed
	case errors.Is(err, ErrTxReverted):
		return OutcomeReverted
	case errors.Is(err, ErrConfirmTimeout):
		return OutcomeTimedOut
	case errors.As(err, &dropped):
		return OutcomeDropped
	default:
		return OutcomeUnknown
	}
}

type sleepFunc func(ctx context.Context, d time.Duration) error

// Confirmer polls a transaction until it is buried confirmBlocks deep, then
// checks its receipt.
type Confirmer struct {
	client        ChainClient
	chainID       uint64
	interval      time.Duration
	confirmBlocks uint64
	maxCount      uint32
	sleep         sleepFunc
	logger        *slog.Logger
}

func (c *Confirmer) Confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.confirm(ctx, hash, c.maxCount)
}

func (c *Confirmer) confirm(ctx context.Context, hash common.Hash, maxCount uint32) (*types.Receipt, error) {
	log := c.logger.With("chain_id", c.chainID, "tx_hash", hash.Hex())
	for i := uint32(0); i < maxCount; i++ {
		if err := c.sleep(ctx, c.interval); err != nil {
			return nil, err
		}
		included, pending, err := c.lookup(ctx, log, hash)
		if err != nil {
			return nil, err
		}
		if pending {
			log.Debug("tx pending", "iteration", i)
			continue
		}
		head, err := c.client.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("block number fetch failed", "iteration", i, "err", err)
			continue
		}
		if head < included+c.confirmBlocks {
			log.Debug("waiting for confirmations", "block", included, "head", head, "confirm_blocks", c.confirmBlocks)
			continue
		}
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("receipt fetch failed", "iteration", i, "err", err)
			continue
		}
		if receipt == nil {
			log.Warn("receipt missing", "iteration", i)
			continue
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return nil, &ConfirmTxError{ChainID: c.chainID, Hash: hash, MaxCount: maxCount, Receipt: receipt, Err: ErrTxReverted}
		}
		log.Info("tx confirmed", "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
		return receipt, nil
	}
	return nil, &ConfirmTxError{ChainID: c.chainID, Hash: hash, MaxCount: maxCount, Err: ErrConfirmTimeout}
}

// lookup fetches the inclusion block of hash, tolerating one missing or
// failed lookup after an extra interval.
func (c *Confirmer) lookup(ctx context.Context, log *slog.Logger, hash common.Hash) (uint64, bool, error) {
	block, pending, err := c.client.TransactionBlockNumber(ctx, hash)
	if err == nil {
		return block, pending, nil
	}
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	log.Warn("tx lookup failed, retrying once", "err", err)
	if serr := c.sleep(ctx, c.interval); serr != nil {
		return 0, false, serr
	}
	block, pending, err = c.client.TransactionBlockNumber(ctx, hash)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		return 0, false, &TxDroppedError{ChainID: c.chainID, Hash: hash, Err: fmt.Errorf("lookup after grace interval: %w", err)}
	}
	return block, pending, nil
}
