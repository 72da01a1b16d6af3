package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mystikonetwork/mystiko-backend/internal/chain"
	"github.com/mystikonetwork/mystiko-backend/internal/config"
	"github.com/mystikonetwork/mystiko-backend/internal/txmanager"
	"github.com/mystikonetwork/mystiko-backend/internal/util"
)

// ManagedClient is a txmanager.ChainClient that owns a connection.
type ManagedClient interface {
	txmanager.ChainClient
	Close()
}

// Dialer opens the client for one network.
type Dialer func(ctx context.Context, n config.Network, timeout time.Duration) (ManagedClient, error)

func dialHTTP(_ context.Context, n config.Network, timeout time.Duration) (ManagedClient, error) {
	return chain.Dial(n.RPC, timeout)
}

// App holds one chain client and one tx manager per configured network.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	mu       sync.Mutex
	clients  map[uint64]ManagedClient
	managers map[uint64]*txmanager.Manager
}

// New dials every configured network concurrently, checks that each node
// serves the configured chain id and builds its manager.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, signer txmanager.Signer) (*App, error) {
	return NewWithDialer(ctx, cfg, logger, signer, dialHTTP)
}

func NewWithDialer(ctx context.Context, cfg *config.Config, logger *slog.Logger, signer txmanager.Signer, dial Dialer) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Networks) == 0 {
		return nil, errors.New("no networks configured")
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		clients:  map[uint64]ManagedClient{},
		managers: map[uint64]*txmanager.Manager{},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range cfg.Networks {
		n := n
		g.Go(func() error {
			client, err := a.connect(gctx, n, dial)
			if err != nil {
				return err
			}
			a.mu.Lock()
			a.clients[n.ChainID] = client
			a.mu.Unlock()

			probeCtx, cancel := withTimeout(gctx, cfg.Performance.RequestTimeout.Duration)
			defer cancel()
			m, err := txmanager.NewManagerFromConfig(probeCtx, client, signer, cfg, n.ChainID,
				txmanager.WithLogger(logger.With("network", n.Name)))
			if err != nil {
				return fmt.Errorf("network %s: %w", n.Name, err)
			}
			a.mu.Lock()
			a.managers[n.ChainID] = m
			a.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context, n config.Network, dial Dialer) (ManagedClient, error) {
	timeout := a.cfg.Performance.RequestTimeout.Duration
	var (
		client ManagedClient
		id     uint64
	)
	err := util.Retry(ctx, a.cfg.Performance.RetryMax, a.cfg.Performance.RetryBackoff.Duration, func() error {
		c, err := dial(ctx, n, timeout)
		if err != nil {
			a.logger.Warn("rpc dial failed", "network", n.Name, "error", err)
			return err
		}
		callCtx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		got, err := c.ChainID(callCtx)
		if err != nil {
			c.Close()
			a.logger.Warn("chain id query failed", "network", n.Name, "error", err)
			return err
		}
		client, id = c, got.Uint64()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.Name, err)
	}
	if id != n.ChainID {
		client.Close()
		return nil, &chainMismatchError{network: n.Name, want: n.ChainID, got: id}
	}
	a.logger.Info("rpc connected", "network", n.Name, "chain_id", n.ChainID)
	return client, nil
}

type chainMismatchError struct {
	network string
	want    uint64
	got     uint64
}

func (e *chainMismatchError) Error() string {
	return fmt.Sprintf("rpc for %s serves chain %d, configured %d", e.network, e.got, e.want)
}

func (a *App) Manager(chainID uint64) (*txmanager.Manager, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.managers[chainID]
	return m, ok
}

// ChainIDs returns the configured chain ids in ascending order.
func (a *App) ChainIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.managers))
	for id := range a.managers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range a.clients {
		c.Close()
		delete(a.clients, id)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
