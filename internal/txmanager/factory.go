package txmanager

import (
	"context"

	"github.com/mystikonetwork/mystiko-backend/internal/config"
)

// NewManagerFromConfig resolves the tx_manager section for chainID and
// builds a Manager from it.
func NewManagerFromConfig(ctx context.Context, client ChainClient, signer Signer, cfg *config.Config, chainID uint64, opts ...Option) (*Manager, error) {
	chainCfg, err := cfg.TxManager.ChainConfig(chainID)
	if err != nil {
		return nil, err
	}
	return NewManager(ctx, client, signer, chainCfg, opts...)
}
