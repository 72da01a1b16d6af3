package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/mystikonetwork/mystiko-backend/internal/chain"
	"github.com/mystikonetwork/mystiko-backend/internal/config"
	"github.com/mystikonetwork/mystiko-backend/internal/journal"
	"github.com/mystikonetwork/mystiko-backend/internal/keys"
	"github.com/mystikonetwork/mystiko-backend/internal/txmanager"
)

const (
	ConfigFlagName       = "config"
	DebugFlagName        = "debug"
	ChainIDFlagName      = "chain-id"
	ToFlagName           = "to"
	DataFlagName         = "data"
	ValueFlagName        = "value"
	GasLimitFlagName     = "gas-limit"
	MaxPriceFlagName     = "max-price"
	MaxPriceGweiFlagName = "max-price-gwei"
	TxHashFlagName       = "tx-hash"
	WaitFlagName         = "wait"
)

var (
	chainIDFlag = &cli.Uint64Flag{
		Name:     ChainIDFlagName,
		Usage:    "chain id of a configured network",
		Required: true,
	}
	txFlags = []cli.Flag{
		chainIDFlag,
		&cli.StringFlag{Name: ToFlagName, Usage: "recipient address", Required: true},
		&cli.StringFlag{Name: DataFlagName, Usage: "0x-prefixed calldata"},
		&cli.StringFlag{Name: ValueFlagName, Usage: "value in wei (decimal or 0x hex)"},
	}
)

func main() {
	app := &cli.App{
		Name:  "txmgr",
		Usage: "price, send and confirm transactions on configured chains",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    ConfigFlagName,
				Value:   "config.yaml",
				Usage:   "path to config file",
				EnvVars: []string{"MYSTIKO_CONFIG"},
			},
			&cli.BoolFlag{Name: DebugFlagName, Usage: "enable debug logs"},
		},
		Commands: []*cli.Command{
			{
				Name:   "gas-price",
				Usage:  "print the current total gas price",
				Flags:  []cli.Flag{chainIDFlag},
				Action: gasPriceAction,
			},
			{
				Name:   "estimate",
				Usage:  "estimate the gas of a transaction",
				Flags:  txFlags,
				Action: estimateAction,
			},
			{
				Name:  "send",
				Usage: "sign and broadcast a transaction",
				Flags: append(append([]cli.Flag{}, txFlags...),
					&cli.Uint64Flag{Name: GasLimitFlagName, Usage: "gas limit (estimated when 0)"},
					&cli.StringFlag{Name: MaxPriceFlagName, Usage: "max per-gas price in wei"},
					&cli.StringFlag{Name: MaxPriceGweiFlagName, Usage: "max per-gas price in gwei"},
					&cli.BoolFlag{Name: WaitFlagName, Usage: "wait for confirmation after sending"},
				),
				Action: sendAction,
			},
			{
				Name:  "confirm",
				Usage: "wait for a transaction to confirm",
				Flags: []cli.Flag{
					chainIDFlag,
					&cli.StringFlag{Name: TxHashFlagName, Usage: "transaction hash", Required: true},
				},
				Action: confirmAction,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *chain.Client
	manager *txmanager.Manager
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String(ConfigFlagName))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	level := slog.LevelInfo
	if c.Bool(DebugFlagName) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	chainID := c.Uint64(ChainIDFlagName)
	network, ok := cfg.Network(chainID)
	if !ok {
		return nil, fmt.Errorf("chain %d is not configured", chainID)
	}
	signer, err := keys.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	client, err := chain.Dial(network.RPC, cfg.Performance.RequestTimeout.Duration)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network.Name, err)
	}
	m, err := txmanager.NewManagerFromConfig(c.Context, client, signer, cfg, chainID,
		txmanager.WithLogger(logger.With("network", network.Name)))
	if err != nil {
		client.Close()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, client: client, manager: m}, nil
}

func (e *env) Close() { e.client.Close() }

func gasPriceAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()
	q, err := e.manager.Quote(c.Context)
	if err != nil {
		return err
	}
	out := map[string]interface{}{
		"chain_id":  e.manager.ChainID(),
		"kind":      q.Kind.String(),
		"gas_price": q.Total().String(),
		"gwei":      txmanager.FormatUnits(q.Total(), txmanager.GweiDecimals),
	}
	if q.Kind == txmanager.FeeDynamic {
		out["max_fee_per_gas"] = q.MaxFeePerGas.String()
		out["max_priority_fee_per_gas"] = q.MaxPriorityFeePerGas.String()
	}
	return printJSON(out)
}

func estimateAction(c *cli.Context) error {
	req, err := requestFromFlags(c)
	if err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()
	gas, err := e.manager.EstimateGas(c.Context, req)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"chain_id": e.manager.ChainID(), "gas": gas})
}

func sendAction(c *cli.Context) error {
	req, err := requestFromFlags(c)
	if err != nil {
		return err
	}
	req.GasLimit = c.Uint64(GasLimitFlagName)
	if req.MaxPrice, err = maxPriceFromFlags(c); err != nil {
		return err
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := journal.Open(e.cfg.Journal.Path)
	if err != nil {
		return err
	}
	hash, sendErr := e.manager.Send(c.Context, req)
	if sendErr != nil && hash == (common.Hash{}) {
		return sendErr
	}
	entry := journal.Entry{
		ChainID:  e.manager.ChainID(),
		TxHash:   hash.Hex(),
		From:     e.manager.Address().Hex(),
		To:       req.To.Hex(),
		MaxPrice: req.MaxPrice.String(),
		Outcome:  "sent",
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if _, err := store.Record(entry); err != nil {
		e.logger.Error("journal record failed", "tx_hash", hash.Hex(), "error", err)
	}
	out := map[string]interface{}{"chain_id": e.manager.ChainID(), "tx_hash": hash.Hex()}
	if sendErr != nil {
		out["error"] = sendErr.Error()
		if perr := printJSON(out); perr != nil {
			return perr
		}
		return sendErr
	}
	if !c.Bool(WaitFlagName) {
		return printJSON(out)
	}
	return waitAndPrint(c.Context, e, store, hash, out)
}

func confirmAction(c *cli.Context) error {
	b, err := hexutil.Decode(c.String(TxHashFlagName))
	if err != nil || len(b) != common.HashLength {
		return errors.New("invalid --tx-hash")
	}
	hash := common.BytesToHash(b)
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()
	store, err := journal.Open(e.cfg.Journal.Path)
	if err != nil {
		return err
	}
	return waitAndPrint(c.Context, e, store, hash, map[string]interface{}{
		"chain_id": e.manager.ChainID(),
		"tx_hash":  hash.Hex(),
	})
}

func waitAndPrint(ctx context.Context, e *env, store *journal.Store, hash common.Hash, out map[string]interface{}) error {
	receipt, err := e.manager.Confirm(ctx, hash)
	outcome := txmanager.OutcomeOf(err)
	if outcome == txmanager.OutcomeUnknown {
		return err
	}
	if jerr := store.SetOutcome(e.manager.ChainID(), hash.Hex(), outcome.String(), err); jerr != nil && !errors.Is(jerr, journal.ErrNotFound) {
		e.logger.Error("journal update failed", "tx_hash", hash.Hex(), "error", jerr)
	}
	out["outcome"] = outcome.String()
	if receipt != nil {
		out["block_number"] = receipt.BlockNumber.String()
		out["gas_used"] = receipt.GasUsed
	}
	if perr := printJSON(out); perr != nil {
		return perr
	}
	return err
}

func requestFromFlags(c *cli.Context) (txmanager.Request, error) {
	to := c.String(ToFlagName)
	if !common.IsHexAddress(to) {
		return txmanager.Request{}, fmt.Errorf("invalid --%s %q", ToFlagName, to)
	}
	req := txmanager.Request{To: common.HexToAddress(to)}
	if v := c.String(DataFlagName); v != "" {
		data, err := hexutil.Decode(v)
		if err != nil {
			return txmanager.Request{}, fmt.Errorf("invalid --%s: %w", DataFlagName, err)
		}
		req.Data = data
	}
	if v := c.String(ValueFlagName); v != "" {
		value, err := txmanager.ParseBig(v)
		if err != nil {
			return txmanager.Request{}, fmt.Errorf("invalid --%s: %w", ValueFlagName, err)
		}
		req.Value = value
	}
	return req, nil
}

func maxPriceFromFlags(c *cli.Context) (*big.Int, error) {
	wei, gwei := c.String(MaxPriceFlagName), c.String(MaxPriceGweiFlagName)
	switch {
	case wei != "" && gwei != "":
		return nil, fmt.Errorf("--%s and --%s are mutually exclusive", MaxPriceFlagName, MaxPriceGweiFlagName)
	case wei != "":
		return txmanager.ParseBig(wei)
	case gwei != "":
		return txmanager.ParseUnits(gwei, txmanager.GweiDecimals)
	default:
		return nil, fmt.Errorf("--%s or --%s is required", MaxPriceFlagName, MaxPriceGweiFlagName)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
