// Package bootstrap builds the collaborators shared by the binaries from a
// loaded configuration.
package bootstrap

import (
	"context"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	"github.com/briangreenhill/kibble/cache"
	"github.com/briangreenhill/kibble/internal/config"
	"github.com/briangreenhill/kibble/internal/content"
	"github.com/briangreenhill/kibble/internal/render"
)

// Logger returns the root logger at the configured level.
func Logger(cfg config.Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).Level(cfg.Level()).With().Timestamp().Logger()
}

// Repository opens the entity source. Postgres is used when DATABASE_URL is
// set, otherwise the seed directory is loaded into memory. The returned func
// releases the connection pool.
func Repository(ctx context.Context, cfg config.Config, logger zerolog.Logger) (content.Repository, func(), error) {
	if cfg.HasDatabase() {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, zerr.Wrap(err, "connect to database")
		}
		repo := content.NewPostgresRepository(pool, cfg.HierarchicalTypes...)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("entities served from postgres")
		return repo, pool.Close, nil
	}

	repo, err := content.LoadSeedDir(cfg.SeedDir, cfg.HierarchicalTypes...)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("dir", cfg.SeedDir).Int("entities", repo.Len()).Msg("entities loaded from seed directory")
	return repo, func() {}, nil
}

// Store opens the configured cache backend.
func Store(cfg config.Config, logger zerolog.Logger) (cache.Store, error) {
	if cfg.CacheBackend == config.CacheBackendMemory {
		return cache.NewMemoryStore(cfg.MemoryCacheEntries)
	}
	return cache.NewFileStore(cfg.CacheDir, logger)
}

// Renderer builds the default renderer from the configured cleanup rules.
func Renderer(cfg config.Config) *render.Renderer {
	return render.New(render.Options{
		RemoveNodes:     render.NormalizeRemoveNodes(cfg.RemoveNodes),
		Shortcodes:      cfg.Shortcodes,
		TokenMultiplier: cfg.TokenMultiplier,
	})
}
