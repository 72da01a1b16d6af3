package chain

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const UserAgent = "mystiko-txmgr"

// Client is an ethclient.Client that can also report the inclusion block of
// a transaction, which ethclient's TransactionByHash does not expose.
type Client struct {
	*ethclient.Client
	raw *rpc.Client
}

func NewClient(c *rpc.Client) *Client {
	return &Client{Client: ethclient.NewClient(c), raw: c}
}

// Dial connects to an HTTP JSON-RPC endpoint. Every request is bounded by
// timeout when it is positive.
func Dial(url string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("rpc url is required")
	}
	httpClient := &http.Client{Timeout: timeout}
	rpcClient, err := rpc.DialHTTPWithClient(url, httpClient)
	if err != nil {
		return nil, err
	}
	rpcClient.SetHeader("User-Agent", UserAgent)
	return NewClient(rpcClient), nil
}

type txInclusion struct {
	Hash        common.Hash  `json:"hash"`
	BlockNumber *hexutil.Big `json:"blockNumber"`
}

// TransactionBlockNumber looks hash up with eth_getTransactionByHash.
// Unknown transactions yield ethereum.NotFound, known but unmined ones
// pending=true.
func (c *Client) TransactionBlockNumber(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	var tx *txInclusion
	if err := c.raw.CallContext(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return 0, false, err
	}
	if tx == nil {
		return 0, false, ethereum.NotFound
	}
	if tx.BlockNumber == nil {
		return 0, true, nil
	}
	return tx.BlockNumber.ToInt().Uint64(), false, nil
}
