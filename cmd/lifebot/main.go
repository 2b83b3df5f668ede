package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/avolkov/lifebot/internal/config"
	"github.com/avolkov/lifebot/internal/gateway"
	"github.com/avolkov/lifebot/internal/logger"
	"github.com/avolkov/lifebot/internal/media"
	"github.com/avolkov/lifebot/internal/router"
	"github.com/avolkov/lifebot/internal/store"
	"github.com/avolkov/lifebot/internal/telegram"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	// Open persistent storage
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.L.Error("failed to open storage", "path", cfg.Storage.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Completion gateway over the OpenAI client, with the ffmpeg bridge for
	// rejected audio formats
	gw := gateway.New(gateway.NewClient(cfg.OpenAI), cfg.OpenAI, media.NewTranscoder())

	// Telegram adapter doubles as the router's file fetcher
	adapter, err := telegram.New(cfg.Telegram.Token, logger.L)
	if err != nil {
		logger.L.Error("failed to connect to telegram", "error", err)
		os.Exit(1)
	}

	r := router.New(st, gw, adapter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.L.Info("bot started", "username", adapter.Username(), "model", cfg.OpenAI.Model)
	if err := adapter.Run(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
		logger.L.Error("bot stopped with error", "error", err)
		os.Exit(1)
	}
	logger.L.Info("bot stopped")
}
