package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/logger"
)

// CacheJanitor periodically deletes expired resolution cache entries
type CacheJanitor struct {
	cache    *ResultCache
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCacheJanitor creates a janitor. A non-positive interval disables it.
func NewCacheJanitor(cache *ResultCache, interval time.Duration) *CacheJanitor {
	return &CacheJanitor{cache: cache, interval: interval}
}

// Start launches the purge loop. It is a no-op when disabled or already running.
func (j *CacheJanitor) Start(ctx context.Context) {
	if j.interval <= 0 {
		logger.Info("cache janitor disabled")
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.run(ctx, j.done)
}

// Stop ends the purge loop and waits for it to exit
func (j *CacheJanitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *CacheJanitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.PurgeOnce(ctx)
		}
	}
}

// PurgeOnce runs a single purge and logs the outcome
func (j *CacheJanitor) PurgeOnce(ctx context.Context) int64 {
	removed, err := j.cache.PurgeExpired(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "failed to purge expired cache entries", zap.Error(err))
		return 0
	}
	if removed > 0 {
		logger.InfoCtx(ctx, "purged expired cache entries", zap.Int64("removed", removed))
	}
	return removed
}
