package main

import (
	"context"
	"time"

	"github.com/spf13/pflag"

	"github.com/mahaj/roomchat/pkg/config"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/logging"
)

func main() {
	cfg := config.Load()
	pflag.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "sqlite or pgx")
	pflag.StringVar(&cfg.DatabaseURL, "dsn", cfg.DatabaseURL, "database path or URL")
	pflag.Parse()

	logger := logging.New(cfg, "migrate")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := db.Open(ctx, db.Options{
		Driver:        cfg.DBDriver,
		DSN:           cfg.DatabaseURL,
		RetryAttempts: cfg.DBRetryAttempts,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("apply schema")
	}
	logger.Info().Str("driver", cfg.DBDriver).Msg("schema applied")
}
