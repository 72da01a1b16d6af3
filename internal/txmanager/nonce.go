package txmanager

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"
)

// NonceSource hands out the next nonce for an account. Callers hold the
// account's AccountLocker section while the nonce is in use.
type NonceSource interface {
	Next(ctx context.Context, account common.Address) (uint64, error)
}

// PendingNonces asks the node for the pending transaction count on every
// call. Nothing is cached, so nonces consumed by other processes are seen.
type PendingNonces struct {
	client ChainClient
}

// NewPendingNonces returns a NonceSource backed by the node's pending pool.
func NewPendingNonces(client ChainClient) *PendingNonces {
	return &PendingNonces{client: client}
}

func (p *PendingNonces) Next(ctx context.Context, account common.Address) (uint64, error) {
	return p.client.PendingNonceAt(ctx, account)
}

// AccountLocker serializes nonce fetch, signing and broadcast per account.
type AccountLocker interface {
	Lock(ctx context.Context, account common.Address) (unlock func(), err error)
}

// AccountLocks is an in-process AccountLocker. Waiting honours ctx.
type AccountLocks struct {
	locks sync.Map
}

// NewAccountLocks returns an empty in-process lock table.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{}
}

func (l *AccountLocks) Lock(ctx context.Context, account common.Address) (func(), error) {
	v, _ := l.locks.LoadOrStore(account, semaphore.NewWeighted(1))
	sem := v.(*semaphore.Weighted)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
