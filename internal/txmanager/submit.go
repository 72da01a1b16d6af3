package txmanager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Submitter signs and broadcasts built transactions. Failures are never
// retried here.
type Submitter struct {
	client  ChainClient
	signer  Signer
	chainID *big.Int
}

// NewSubmitter returns a Submitter signing for chainID.
func NewSubmitter(client ChainClient, signer Signer, chainID *big.Int) *Submitter {
	return &Submitter{client: client, signer: signer, chainID: new(big.Int).Set(chainID)}
}

func (s *Submitter) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	signed, err := s.signer.SignTx(ctx, tx, s.chainID)
	if err != nil {
		return common.Hash{}, &SendTxError{ChainID: s.chainID.Uint64(), Nonce: tx.Nonce(), Err: fmt.Errorf("sign: %w", err)}
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &SendTxError{ChainID: s.chainID.Uint64(), Nonce: tx.Nonce(), Hash: signed.Hash(), Err: err}
	}
	return signed.Hash(), nil
}
