package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mystikonetwork/mystiko-backend/internal/api"
	"github.com/mystikonetwork/mystiko-backend/internal/app"
	"github.com/mystikonetwork/mystiko-backend/internal/config"
	"github.com/mystikonetwork/mystiko-backend/internal/journal"
	"github.com/mystikonetwork/mystiko-backend/internal/keys"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	signer, err := keys.FromConfig(cfg)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, signer)
	if err != nil {
		logger.Error("app init failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logger.Error("journal open failed", "path", cfg.Journal.Path, "error", err)
		a.Close()
		os.Exit(1)
	}

	managers := make(map[uint64]api.TxManager)
	for _, id := range a.ChainIDs() {
		if m, ok := a.Manager(id); ok {
			managers[id] = m
		}
	}
	server := api.NewServer(cfg, logger, managers, store)

	logger.Info("api starting", "listen", cfg.API.Listen, "account", signer.Address().Hex(), "chains", a.ChainIDs())
	if err := server.Start(ctx); err != nil {
		logger.Error("api stopped", "error", err)
		a.Close()
		os.Exit(1)
	}
}
