package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/avu-1/CREDORA/internal/config"
	"github.com/avu-1/CREDORA/internal/server"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env (optional)
	if err := godotenv.Load(); err != nil {
		log.Println("Ledger: No .env file found, relying on system env vars")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var logger *zap.Logger
	if cfg.Server.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start ledger", zap.Error(err))
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("ledger exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("ledger stopped")
}
