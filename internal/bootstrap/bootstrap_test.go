package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricelens/backend/config"
	"github.com/pricelens/backend/internal/domain"
)

func testConfig(storeType string) *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Type: storeType},
		Resolver: config.ResolverConfig{
			CacheTTL:         time.Hour,
			BatchConcurrency: 2,
			EnableSemantic:   true,
			EnableWebFetch:   true,
		},
	}
}

func TestNew_WithoutKeysRunsDeterministicTiers(t *testing.T) {
	ctx := context.Background()

	app, err := New(ctx, testConfig("memory"))
	require.NoError(t, err)
	defer app.Close()

	require.NoError(t, app.Store.SaveProductWithPrices(ctx, domain.CanonicalProduct{CanonicalKey: "טחינה גולמית"}, nil))

	res, err := app.Resolver.Resolve(ctx, &domain.ResolveRequest{Query: "טחינה גולמית"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExact, res.Source)

	// no upstream configured, so an unknown name falls straight through
	res, err = app.Resolver.Resolve(ctx, &domain.ResolveRequest{Query: "xyzzy"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceFallback, res.Source)
	assert.Equal(t, time.Hour, app.Cache.TTL())
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig("sqlite").Store
	cfg.SQLitePath = filepath.Join(t.TempDir(), "pricelens.db")
	st, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = OpenStore(ctx, config.StoreConfig{Type: "redis"})
	assert.Error(t, err)
}
