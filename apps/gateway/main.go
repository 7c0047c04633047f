package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/broadcast"
	"github.com/mahaj/roomchat/pkg/config"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/httpapi"
	"github.com/mahaj/roomchat/pkg/keys"
	"github.com/mahaj/roomchat/pkg/logging"
	"github.com/mahaj/roomchat/pkg/messages"
	"github.com/mahaj/roomchat/pkg/presence"
	"github.com/mahaj/roomchat/pkg/rooms"
	"github.com/mahaj/roomchat/pkg/session"
	"github.com/mahaj/roomchat/pkg/snowflake"
	"github.com/mahaj/roomchat/pkg/uploads"
)

const purgeInterval = time.Minute

func main() {
	cfg := config.Load()
	addr := pflag.String("addr", cfg.GatewayAddr, "listen address")
	migrate := pflag.Bool("migrate", true, "apply the SQL schema on start")
	pflag.Parse()

	logger := logging.New(cfg, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *addr, *migrate, logger); err != nil {
		logger.Fatal().Err(err).Msg("gateway stopped")
	}
}

// gateway is the wired process: storage, broadcast and the HTTP surface.
type gateway struct {
	handler http.Handler
	router  *broadcast.Router
	uploads *uploads.Store
	files   *uploads.Files
	closers []func() error
}

func (g *gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		_ = g.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, migrate bool, logger zerolog.Logger) (*gateway, error) {
	// Presence transitions are global only through the Redis mirror; with
	// several gateways on one topic the local registry alone would announce
	// users offline while another gateway still holds them.
	if len(cfg.KafkaBrokers) > 0 && cfg.RedisURL == "" {
		return nil, errors.New("KAFKA_BROKERS requires REDIS_URL for cross-gateway presence")
	}

	g := &gateway{}

	store, err := db.Open(ctx, db.Options{
		Driver:        cfg.DBDriver,
		DSN:           cfg.DatabaseURL,
		RetryAttempts: cfg.DBRetryAttempts,
	})
	if err != nil {
		return nil, err
	}
	g.closers = append(g.closers, store.Close)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			g.Close()
			return nil, err
		}
	}

	master, err := keys.LoadOrCreateMaster(cfg.MasterKeyFile)
	if err != nil {
		g.Close()
		return nil, err
	}
	km, err := keys.NewManager(master)
	if err != nil {
		g.Close()
		return nil, err
	}
	files, err := uploads.NewFiles(cfg.UploadDir)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.files = files
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		g.Close()
		return nil, err
	}

	var bus broadcast.Bus
	if len(cfg.KafkaBrokers) > 0 {
		kb := broadcast.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.NodeID, logging.Component(logger, "kafka"))
		g.closers = append(g.closers, kb.Close)
		bus = kb
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("cross-gateway fanout enabled")
	}

	var mirror session.Mirror
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = presence.NewRedisClient(cfg.RedisURL)
		g.closers = append(g.closers, rdb.Close)
		mirror = presence.NewRedisMirror(rdb, cfg.NodeID)
	}

	g.uploads = uploads.NewStore(store, cfg.UploadTokenTTL)
	roomStore := rooms.NewStore(store, km)
	msgLog := messages.NewStore(store, g.uploads)
	registry := presence.NewRegistry()
	hub := broadcast.NewHub(logging.Component(logger, "hub"))
	g.router = broadcast.NewRouter(hub, bus, logging.Component(logger, "router"))
	issuer := auth.NewIssuer(cfg.JWTSecret, auth.DefaultTTL)

	sessions := session.NewHandler(session.Deps{
		Rooms:    roomStore,
		Messages: msgLog,
		Presence: registry,
		Router:   g.router,
		Mirror:   mirror,
		Logger:   logging.Component(logger, "session"),
	})
	api := httpapi.NewHandler(httpapi.Deps{
		DB:       store,
		Rooms:    roomStore,
		Messages: msgLog,
		Uploads:  g.uploads,
		Files:    files,
		Router:   g.router,
		Presence: registry,
		Redis:    rdb,
		Issuer:   issuer,
		DevLogin: cfg.DevLogin,
		Logger:   logging.Component(logger, "http"),
	})
	ws := &wsHandler{
		ctx:      ctx,
		sessions: sessions,
		issuer:   issuer,
		node:     node,
		log:      logging.Component(logger, "ws"),
	}
	g.handler = httpapi.NewRouter(api, ws, logger)
	return g, nil
}

func run(ctx context.Context, cfg *config.Config, addr string, migrate bool, logger zerolog.Logger) error {
	g, err := build(ctx, cfg, migrate, logger)
	if err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer g.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		return g.router.Run(ctx)
	})
	eg.Go(func() error {
		return g.uploads.RunPurger(ctx, g.files, purgeInterval, logging.Component(logger, "uploads"))
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
