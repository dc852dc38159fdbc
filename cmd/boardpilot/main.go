package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tbuczek/boardpilot/internal/builder"
	"github.com/tbuczek/boardpilot/internal/config"
	"github.com/tbuczek/boardpilot/internal/obslog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := builder.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer deps.Close()

	logger.Info("boardpilot starting",
		zap.String("engine", deps.Engine.Name()),
		zap.String("board", cfg.BoardFamily),
		zap.String("time_control", cfg.TimeControl),
		zap.String("ui", cfg.UIListenAddr))

	errCh := make(chan error, 2)
	go func() { errCh <- deps.Session.Run(ctx) }()
	go func() { errCh <- deps.UI.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("component failed", zap.Error(err))
		}
		cancel()
	}
}
