package main

import (
	"context"
	"fmt"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/config"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/logging"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/store"
)

func runMigrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Init("webhook-engine", cfg.LogLevel, cfg.AppEnv)

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pgStore.Close()

	if err := pgStore.Migrate(ctx, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return nil
}
