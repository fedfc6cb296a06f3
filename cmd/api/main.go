// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/kibble/internal/bootstrap"
	"github.com/briangreenhill/kibble/internal/config"
	"github.com/briangreenhill/kibble/internal/hooks"
	"github.com/briangreenhill/kibble/internal/http/routes"
	"github.com/briangreenhill/kibble/internal/jobs"
	"github.com/briangreenhill/kibble/internal/metrics"
	"github.com/briangreenhill/kibble/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}

	// Logger
	logger := bootstrap.Logger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api failed")
	}
	logger.Info().Msg("api stopped")
}

// run serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler, cleanup, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("port", cfg.Port).Str("cache", cfg.CacheBackend).Bool("redis", cfg.HasRedis()).Msg("starting api")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// setup wires the router. The returned func releases every connection it opened.
func setup(ctx context.Context, cfg config.Config, logger zerolog.Logger) (http.Handler, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	repo, closeRepo, err := bootstrap.Repository(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, closeRepo)

	store, err := bootstrap.Store(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var limiter ratelimit.Limiter = ratelimit.NewWindow(cfg.RegenLimit, cfg.RegenWindow)
	var dispatcher hooks.Dispatcher = hooks.New(store, repo, logger)

	if cfg.HasRedis() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("close redis client")
			}
		})
		limiter = ratelimit.NewRedisWindow(rdb, ratelimit.DefaultKey, cfg.RegenLimit, cfg.RegenWindow, logger)

		// a memory cache lives in this process, so only the inline invalidator can reach it
		if cfg.CacheBackend == config.CacheBackendFile {
			client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
			closers = append(closers, func() {
				if err := client.Close(); err != nil {
					logger.Warn().Err(err).Msg("close asynq client")
				}
			})
			dispatcher = jobs.NewEnqueuer(client, logger)
		}
	}

	s := routes.New(routes.ServerOptions{
		Cfg:        cfg,
		Logger:     logger,
		Repo:       repo,
		Store:      store,
		Limiter:    limiter,
		Renderer:   bootstrap.Renderer(cfg),
		Dispatcher: dispatcher,
		Metrics:    metrics.New(),
	})
	return s.Router, cleanup, nil
}
