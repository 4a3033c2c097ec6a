package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pricelens/backend/internal/domain"
)

var errStoreDown = errors.New("store unavailable")

// fakeClock is a settable clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockStore is an in-memory implementation of the store ports with call counters
type MockStore struct {
	mu       sync.Mutex
	products []domain.CanonicalProduct
	prices   map[string]map[string]domain.ChainPriceEntry
	cache    map[string]domain.ResolutionCacheEntry

	listError  error
	getError   error
	saveError  error
	cacheError error

	listCalls int
	saveCalls int
	putCalls  int
}

func NewMockStore(products ...domain.CanonicalProduct) *MockStore {
	return &MockStore{
		products: products,
		prices:   make(map[string]map[string]domain.ChainPriceEntry),
		cache:    make(map[string]domain.ResolutionCacheEntry),
	}
}

func (m *MockStore) ListCanonicalProducts(ctx context.Context, limit int) ([]domain.CanonicalProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listError != nil {
		return nil, m.listError
	}
	out := append([]domain.CanonicalProduct(nil), m.products...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) GetCanonicalProduct(ctx context.Context, key string) (*domain.CanonicalProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getError != nil {
		return nil, m.getError
	}
	for _, p := range m.products {
		if p.CanonicalKey == key {
			p := p
			return &p, nil
		}
	}
	return nil, domain.ErrProductNotFound
}

func (m *MockStore) SaveProductWithPrices(ctx context.Context, product domain.CanonicalProduct, prices []domain.ChainPriceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveError != nil {
		return m.saveError
	}
	for _, p := range prices {
		m.putPriceLocked(p)
	}
	if rows := m.prices[product.CanonicalKey]; len(rows) > 0 {
		product.AvgPriceILS, product.SampleCount = meanOf(rows)
	}
	m.upsertProductLocked(product)
	return nil
}

func (m *MockStore) UpsertChainPrices(ctx context.Context, prices []domain.ChainPriceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	touched := make(map[string]time.Time)
	for _, p := range prices {
		m.putPriceLocked(p)
		touched[p.CanonicalKey] = p.LastUpdated
	}
	for key, at := range touched {
		avg, n := meanOf(m.prices[key])
		product := domain.CanonicalProduct{CanonicalKey: key, AvgPriceILS: avg, SampleCount: n, UpdatedAt: at}
		for _, existing := range m.products {
			if existing.CanonicalKey == key {
				product.Category = existing.Category
			}
		}
		m.upsertProductLocked(product)
	}
	return nil
}

func (m *MockStore) ListChainPrices(ctx context.Context, key string) ([]domain.ChainPriceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ChainPriceEntry, 0, len(m.prices[key]))
	for _, p := range m.prices[key] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainName < out[j].ChainName })
	return out, nil
}

func (m *MockStore) GetCacheEntry(ctx context.Context, normalizedQuery string) (*domain.ResolutionCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cacheError != nil {
		return nil, m.cacheError
	}
	entry, ok := m.cache[normalizedQuery]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return &entry, nil
}

func (m *MockStore) UpsertCacheEntry(ctx context.Context, entry domain.ResolutionCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.cacheError != nil {
		return m.cacheError
	}
	m.cache[entry.NormalizedQuery] = entry
	return nil
}

func (m *MockStore) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cacheError != nil {
		return 0, m.cacheError
	}
	var removed int64
	for key, entry := range m.cache {
		if !entry.ExpiresAt.After(now) {
			delete(m.cache, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) cacheEntry(normalizedQuery string) (domain.ResolutionCacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[normalizedQuery]
	return entry, ok
}

func (m *MockStore) addProduct(p domain.CanonicalProduct) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertProductLocked(p)
}

func (m *MockStore) putPriceLocked(p domain.ChainPriceEntry) {
	rows, ok := m.prices[p.CanonicalKey]
	if !ok {
		rows = make(map[string]domain.ChainPriceEntry)
		m.prices[p.CanonicalKey] = rows
	}
	rows[p.ChainName] = p
}

func (m *MockStore) upsertProductLocked(product domain.CanonicalProduct) {
	for i := range m.products {
		if m.products[i].CanonicalKey == product.CanonicalKey {
			m.products[i] = product
			return
		}
	}
	m.products = append(m.products, product)
}

func meanOf(rows map[string]domain.ChainPriceEntry) (float64, int) {
	if len(rows) == 0 {
		return 0, 0
	}
	var sum float64
	for _, r := range rows {
		sum += r.PriceILS
	}
	return sum / float64(len(rows)), len(rows)
}

// MockLanguageModel replays canned responses and records requests
type MockLanguageModel struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	err       error
	requests  []domain.ChatRequest
}

func (m *MockLanguageModel) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &domain.ChatResponse{}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *MockLanguageModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// MockWebSearcher returns fixed results and counts calls
type MockWebSearcher struct {
	mu       sync.Mutex
	results  []domain.SearchResult
	err      error
	requests []domain.SearchRequest
}

func (m *MockWebSearcher) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.results, nil
}

func (m *MockWebSearcher) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func newProduct(key string, avg float64, samples int) domain.CanonicalProduct {
	return domain.CanonicalProduct{CanonicalKey: key, AvgPriceILS: avg, SampleCount: samples}
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }
