package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pricelens/backend/internal/domain"
)

// MemoryStore is a thread-safe in-process store. Catalog order is insertion order.
type MemoryStore struct {
	products map[string]domain.CanonicalProduct
	order    []string
	prices   map[string]map[string]domain.ChainPriceEntry
	cache    map[string]domain.ResolutionCacheEntry
	mutex    sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]domain.CanonicalProduct),
		prices:   make(map[string]map[string]domain.ChainPriceEntry),
		cache:    make(map[string]domain.ResolutionCacheEntry),
	}
}

// ListCanonicalProducts returns up to limit products in insertion order
func (s *MemoryStore) ListCanonicalProducts(ctx context.Context, limit int) ([]domain.CanonicalProduct, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.CanonicalProduct, 0, n)
	for _, key := range s.order[:n] {
		out = append(out, copyProduct(s.products[key]))
	}
	return out, nil
}

// GetCanonicalProduct retrieves a product by key
func (s *MemoryStore) GetCanonicalProduct(ctx context.Context, key string) (*domain.CanonicalProduct, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	product, exists := s.products[key]
	if !exists {
		return nil, domain.ErrProductNotFound
	}
	p := copyProduct(product)
	return &p, nil
}

// SaveProductWithPrices upserts a product and its chain rows under one lock
func (s *MemoryStore) SaveProductWithPrices(ctx context.Context, product domain.CanonicalProduct, prices []domain.ChainPriceEntry) error {
	if product.CanonicalKey == "" {
		return domain.ErrInvalidRequest
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, p := range prices {
		p.CanonicalKey = product.CanonicalKey
		s.putPrice(p)
	}
	if avg, n, ok := s.average(product.CanonicalKey); ok {
		product.AvgPriceILS, product.SampleCount = avg, n
	}
	if existing, exists := s.products[product.CanonicalKey]; exists && product.Category == nil {
		product.Category = existing.Category
	}
	s.putProduct(product)
	return nil
}

// UpsertChainPrices upserts chain rows and recomputes the touched averages
func (s *MemoryStore) UpsertChainPrices(ctx context.Context, prices []domain.ChainPriceEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	touched := make(map[string]time.Time)
	for _, p := range prices {
		if p.CanonicalKey == "" || p.ChainName == "" {
			return domain.ErrInvalidRequest
		}
	}
	for _, p := range prices {
		s.putPrice(p)
		if p.LastUpdated.After(touched[p.CanonicalKey]) {
			touched[p.CanonicalKey] = p.LastUpdated
		}
	}

	for key, updatedAt := range touched {
		product, exists := s.products[key]
		if !exists {
			product = domain.CanonicalProduct{CanonicalKey: key}
		}
		product.AvgPriceILS, product.SampleCount, _ = s.average(key)
		product.UpdatedAt = updatedAt
		s.putProduct(product)
	}
	return nil
}

// ListChainPrices returns the chain rows of a key ordered by chain name
func (s *MemoryStore) ListChainPrices(ctx context.Context, key string) ([]domain.ChainPriceEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows := s.prices[key]
	out := make([]domain.ChainPriceEntry, 0, len(rows))
	for _, p := range rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainName < out[j].ChainName })
	return out, nil
}

// GetCacheEntry retrieves a cache row regardless of expiry
func (s *MemoryStore) GetCacheEntry(ctx context.Context, normalizedQuery string) (*domain.ResolutionCacheEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entry, exists := s.cache[normalizedQuery]
	if !exists {
		return nil, domain.ErrCacheMiss
	}
	return &entry, nil
}

// UpsertCacheEntry stores a cache row, replacing any previous one
func (s *MemoryStore) UpsertCacheEntry(ctx context.Context, entry domain.ResolutionCacheEntry) error {
	if entry.NormalizedQuery == "" {
		return domain.ErrInvalidRequest
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cache[entry.NormalizedQuery] = entry
	return nil
}

// DeleteExpiredCacheEntries removes rows whose expiry is at or before now
func (s *MemoryStore) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var removed int64
	for key, entry := range s.cache {
		if !entry.ExpiresAt.After(now) {
			delete(s.cache, key)
			removed++
		}
	}
	return removed, nil
}

// Size returns the number of products and cache rows (for debugging/monitoring)
func (s *MemoryStore) Size() (products int, cacheEntries int) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.products), len(s.cache)
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) putProduct(product domain.CanonicalProduct) {
	if _, exists := s.products[product.CanonicalKey]; !exists {
		s.order = append(s.order, product.CanonicalKey)
	}
	s.products[product.CanonicalKey] = copyProduct(product)
}

func (s *MemoryStore) putPrice(p domain.ChainPriceEntry) {
	rows, exists := s.prices[p.CanonicalKey]
	if !exists {
		rows = make(map[string]domain.ChainPriceEntry)
		s.prices[p.CanonicalKey] = rows
	}
	rows[p.ChainName] = p
}

// average returns the mean of a key's chain rows; ok is false when it has none
func (s *MemoryStore) average(key string) (float64, int, bool) {
	rows := s.prices[key]
	if len(rows) == 0 {
		return 0, 0, false
	}
	var sum float64
	for _, p := range rows {
		sum += p.PriceILS
	}
	return sum / float64(len(rows)), len(rows), true
}

func copyProduct(p domain.CanonicalProduct) domain.CanonicalProduct {
	if p.Category != nil {
		c := *p.Category
		p.Category = &c
	}
	return p
}
