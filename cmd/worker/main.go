package main

import (
	"context"
	"os"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	"github.com/briangreenhill/kibble/internal/bootstrap"
	"github.com/briangreenhill/kibble/internal/config"
	"github.com/briangreenhill/kibble/internal/hooks"
	"github.com/briangreenhill/kibble/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	logger := bootstrap.Logger(cfg, os.Stdout)

	srv, mux, cleanup, err := setup(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker setup")
	}
	defer cleanup()

	logger.Info().Str("cache_dir", cfg.CacheDir).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
	}
}

// setup checks that the configuration can run a worker and builds the asynq
// server with every invalidation handler registered.
func setup(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*asynq.Server, *asynq.ServeMux, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if !cfg.HasRedis() {
		return nil, nil, nil, zerr.New("REDIS_ADDR is required to run the worker")
	}
	if cfg.CacheBackend != config.CacheBackendFile {
		return nil, nil, nil, zerr.With(zerr.New("the worker needs the shared file cache"), "backend", cfg.CacheBackend)
	}

	repo, closeRepo, err := bootstrap.Repository(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := bootstrap.Store(cfg, logger)
	if err != nil {
		closeRepo()
		return nil, nil, nil, err
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues: map[string]int{
			jobs.QueueInvalidation: 10,
			"default":              1,
		},
		Logger: jobs.NewLogger(logger),
	})
	mux := asynq.NewServeMux()
	jobs.Register(mux, hooks.New(store, repo, logger), logger)

	return srv, mux, closeRepo, nil
}
