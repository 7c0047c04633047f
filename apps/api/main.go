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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/roomchat/pkg/archive"
	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/config"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/httpapi"
	"github.com/mahaj/roomchat/pkg/keys"
	"github.com/mahaj/roomchat/pkg/logging"
	"github.com/mahaj/roomchat/pkg/messages"
	"github.com/mahaj/roomchat/pkg/presence"
	"github.com/mahaj/roomchat/pkg/rooms"
)

func main() {
	cfg := config.Load()
	addr := pflag.String("addr", cfg.APIAddr, "listen address")
	pflag.Parse()

	logger := logging.New(cfg, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *addr, logger); err != nil {
		logger.Fatal().Err(err).Msg("api stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, addr string, logger zerolog.Logger) error {
	store, err := db.Open(ctx, db.Options{
		Driver:        cfg.DBDriver,
		DSN:           cfg.DatabaseURL,
		RetryAttempts: cfg.DBRetryAttempts,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	master, err := keys.LoadOrCreateMaster(cfg.MasterKeyFile)
	if err != nil {
		return err
	}
	km, err := keys.NewManager(master)
	if err != nil {
		return err
	}

	// Without a Scylla cluster the archive endpoint reads the SQL log.
	var history historySource = messages.NewStore(store, nil)
	if len(cfg.ScyllaHosts) > 0 {
		session, err := db.NewScyllaSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
		if err != nil {
			return fmt.Errorf("connect to scylla: %w", err)
		}
		defer session.Close()
		history = archive.New(session)
		logger.Info().Strs("hosts", cfg.ScyllaHosts).Msg("serving history from the archive")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = presence.NewRedisClient(cfg.RedisURL)
		defer rdb.Close()
	}

	s := &server{
		rooms:    rooms.NewStore(store, km),
		history:  history,
		redis:    rdb,
		issuer:   auth.NewIssuer(cfg.JWTSecret, auth.DefaultTTL),
		devLogin: cfg.DevLogin,
		log:      logging.Component(logger, "http"),
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// server is the read side: archived history, room lists and the
// cross-gateway online list.
type server struct {
	rooms    *rooms.Store
	history  historySource
	redis    *redis.Client
	issuer   *auth.Issuer
	devLogin bool
	log      zerolog.Logger
}

func (s *server) routes(logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpapi.Metrics)
	r.Use(chimw.RequestID)
	r.Use(httpapi.Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if s.devLogin {
		r.Post("/login", s.login)
	}
	r.Group(func(r chi.Router) {
		r.Use(s.issuer.Middleware)
		r.Get("/rooms", s.conversations)
		r.Get("/rooms/{id}/history", s.archivedHistory)
		r.Get("/users/online", s.onlineUsers)
	})
	return r
}
