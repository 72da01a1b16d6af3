package txmanager

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// fallbackController tries a cheaper legacy transaction before the caller's
// full price. If the cheap transaction later confirms alongside the
// full-price one, both stand.
type fallbackController struct {
	percent      uint32
	confirmCount uint32
	confirmer    *Confirmer
}

func (f *fallbackController) price(maxPrice *big.Int) *big.Int {
	p := new(big.Int).Mul(maxPrice, big.NewInt(int64(f.percent)))
	return p.Quo(p, big.NewInt(100))
}

// attempt sends req at the reduced price through submit and waits with the
// shorter confirm budget. ok is false when the caller should fall through to
// full price. err is only set when ctx is done, and hash is then the cheap
// transaction if it was already broadcast.
func (f *fallbackController) attempt(
	ctx context.Context,
	log *slog.Logger,
	req Request,
	submit func(context.Context, Request) (common.Hash, error),
) (hash common.Hash, ok bool, err error) {
	cheap := req
	cheap.MaxPrice = f.price(req.MaxPrice)
	log = log.With("fallback_price", cheap.MaxPrice.String(), "fallback_percent", f.percent)

	hash, err = submit(ctx, cheap)
	if err != nil {
		if ctx.Err() != nil {
			return common.Hash{}, false, ctx.Err()
		}
		log.Warn("lower gas price submit failed, using full price", "err", err)
		return common.Hash{}, false, nil
	}
	log.Info("lower gas price tx sent", "tx_hash", hash.Hex())

	if _, err := f.confirmer.confirm(ctx, hash, f.confirmCount); err != nil {
		if ctx.Err() != nil {
			return hash, false, ctx.Err()
		}
		log.Warn("lower gas price tx not confirmed, using full price", "tx_hash", hash.Hex(), "outcome", OutcomeOf(err).String(), "err", err)
		return common.Hash{}, false, nil
	}
	return hash, true, nil
}
