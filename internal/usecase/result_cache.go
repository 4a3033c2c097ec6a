package usecase

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
	"github.com/pricelens/backend/internal/metrics"
)

// DefaultCacheTTL is the resolution cache retention window
const DefaultCacheTTL = 720 * time.Hour

// ResultCache is a read-through/write-through cache of resolutions keyed by
// normalized query. Expired rows read as misses and are left for PurgeExpired.
type ResultCache struct {
	repo  domain.ResolutionCacheRepository
	clock domain.Clock
	ttl   time.Duration
}

// NewResultCache creates a cache over repo. A zero ttl means DefaultCacheTTL.
func NewResultCache(repo domain.ResolutionCacheRepository, clock domain.Clock, ttl time.Duration) *ResultCache {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResultCache{repo: repo, clock: clock, ttl: ttl}
}

// Get returns a fresh entry. Store failures are logged and read as a miss.
func (c *ResultCache) Get(ctx context.Context, normalizedQuery string) (*domain.ResolutionCacheEntry, bool) {
	entry, err := c.repo.GetCacheEntry(ctx, normalizedQuery)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			metrics.RecordTierFailure("cache", "transport")
			logger.WarnCtx(ctx, "resolution cache read failed",
				zap.String("query", normalizedQuery), zap.Error(err))
		}
		return nil, false
	}
	if entry == nil || !c.clock.Now().Before(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// Put upserts the outcome for normalizedQuery; a nil key records a negative.
func (c *ResultCache) Put(
	ctx context.Context,
	normalizedQuery string,
	canonicalKey *string,
	avgPrice *float64,
	confidence float64,
	sampleCount *int,
) error {
	now := c.clock.Now()
	return c.repo.UpsertCacheEntry(ctx, domain.ResolutionCacheEntry{
		NormalizedQuery: normalizedQuery,
		CanonicalKey:    canonicalKey,
		AvgPriceILS:     avgPrice,
		Confidence:      clampConfidence(confidence),
		SampleCount:     sampleCount,
		CachedAt:        now,
		ExpiresAt:       now.Add(c.ttl),
	})
}

// PurgeExpired deletes entries whose retention window has passed
func (c *ResultCache) PurgeExpired(ctx context.Context) (int64, error) {
	return c.repo.DeleteExpiredCacheEntries(ctx, c.clock.Now())
}

// TTL returns the retention window
func (c *ResultCache) TTL() time.Duration {
	return c.ttl
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
