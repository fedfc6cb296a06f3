package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/kibble/cache"
	"github.com/briangreenhill/kibble/internal/config"
	"github.com/briangreenhill/kibble/internal/hooks"
	"github.com/briangreenhill/kibble/internal/jobs"
)

func testConfig(t *testing.T, vars map[string]string) config.Config {
	t.Helper()
	env := map[string]string{"SEED_DIR": t.TempDir(), "CACHE_DIR": t.TempDir()}
	for k, v := range vars {
		env[k] = v
	}
	cfg, err := config.LoadFrom(env)
	require.NoError(t, err)
	return cfg
}

func TestSetupRequirements(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"no redis", nil},
		{"memory cache", map[string]string{"REDIS_ADDR": "127.0.0.1:6379", "CACHE_BACKEND": "memory"}},
		{"invalid config", map[string]string{"REDIS_ADDR": "127.0.0.1:6379", "REGEN_WINDOW": "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := setup(context.Background(), testConfig(t, tt.vars), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestSetupRegistersHandlers(t *testing.T) {
	cfg := testConfig(t, map[string]string{"REDIS_ADDR": "127.0.0.1:6379"})
	srv, mux, cleanup, err := setup(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, srv)

	store, err := cache.NewFileStore(cfg.CacheDir, zerolog.Nop())
	require.NoError(t, err)
	store.Write("my-post", "", []byte("doc"), cache.Meta{PostID: 1}, time.Unix(1700000000, 0))

	task, err := jobs.NewTask(hooks.EventFlush, hooks.Payload{})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))

	_, ok := store.ReadDocument("my-post", "")
	assert.False(t, ok, "flush task empties the shared cache")
}
