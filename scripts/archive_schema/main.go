package main

import (
	"github.com/spf13/pflag"

	"github.com/mahaj/roomchat/pkg/archive"
	"github.com/mahaj/roomchat/pkg/config"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/logging"
)

func main() {
	cfg := config.Load()
	hosts := pflag.StringSlice("hosts", cfg.ScyllaHosts, "scylla contact points")
	keyspace := pflag.String("keyspace", cfg.ScyllaKeyspace, "archive keyspace")
	replication := pflag.Int("replication", 1, "SimpleStrategy replication factor")
	pflag.Parse()

	logger := logging.New(cfg, "archive-schema")
	if len(*hosts) == 0 {
		*hosts = []string{"localhost:9042"}
	}

	session, err := db.NewScyllaSession(*hosts, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to scylla")
	}
	defer session.Close()

	if err := archive.Bootstrap(session, *keyspace, *replication); err != nil {
		logger.Fatal().Err(err).Msg("create archive schema")
	}
	logger.Info().Str("keyspace", *keyspace).Msg("archive schema ready")
}
