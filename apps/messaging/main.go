package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mahaj/roomchat/pkg/archive"
	"github.com/mahaj/roomchat/pkg/config"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/logging"
)

func main() {
	cfg := config.Load()
	group := pflag.String("group", archive.DefaultGroup, "kafka consumer group shared by projector replicas")
	bootstrap := pflag.Bool("bootstrap", false, "create the archive keyspace and table before consuming")
	replication := pflag.Int("replication", 1, "replication factor used by --bootstrap")
	pflag.Parse()

	logger := logging.New(cfg, "messaging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *group, *bootstrap, *replication, logger); err != nil {
		logger.Fatal().Err(err).Msg("projector stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, group string, bootstrap bool, replication int, logger zerolog.Logger) error {
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if len(cfg.ScyllaHosts) == 0 {
		return errors.New("SCYLLA_HOSTS is required")
	}

	if bootstrap {
		sys, err := db.NewScyllaSession(cfg.ScyllaHosts, "")
		if err != nil {
			return fmt.Errorf("connect to scylla: %w", err)
		}
		err = archive.Bootstrap(sys, cfg.ScyllaKeyspace, replication)
		sys.Close()
		if err != nil {
			return err
		}
		logger.Info().Str("keyspace", cfg.ScyllaKeyspace).Msg("archive schema ready")
	}

	session, err := db.NewScyllaSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
	if err != nil {
		return fmt.Errorf("connect to scylla: %w", err)
	}
	defer session.Close()

	projector := archive.NewProjector(cfg.KafkaBrokers, cfg.KafkaTopic, group, archive.New(session),
		logging.Component(logger, "projector"))
	defer projector.Close()

	logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Str("group", group).
		Msg("archiving room events")

	return projector.Run(ctx)
}
