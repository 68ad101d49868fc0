package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eshop/go/internal/platform/config"
	"github.com/mcdev12/eshop/go/internal/storage/postgres"
)

func setupDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	database, err := postgres.Open(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	if cfg.Migrate {
		if err := postgres.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	log.Info().Msg("connected to database")
	return database, nil
}
