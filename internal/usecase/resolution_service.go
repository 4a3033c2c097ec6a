package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
	"github.com/pricelens/backend/internal/metrics"
)

const (
	DefaultFuzzyAcceptance    = 0.5
	DefaultSemanticAcceptance = 0.5
	DefaultCandidateLimit     = 10000
	DefaultBatchConcurrency   = 4
	MaxBatchSize              = 200
)

// ResolverPolicy holds the tunable thresholds and switches of the resolver
type ResolverPolicy struct {
	FuzzyAcceptance        float64
	SemanticAcceptance     float64
	CandidateLimit         int
	EnableSemantic         bool
	EnableWebFetch         bool
	SkipFallbacksWhenEmpty bool
	BatchConcurrency       int
	EnableDebugLogging     bool
}

// ResolutionService resolves free-text product names to canonical keys.
// Tiers run cheapest first: cache, exact, fuzzy, semantic, web.
type ResolutionService struct {
	store    domain.CanonicalProductRepository
	cache    *ResultCache
	scorer   *FuzzyScorer
	semantic *SemanticMatcher
	web      *WebPriceFetcher
	policy   ResolverPolicy
}

// NewResolutionService creates a resolver. semantic and web may be nil.
func NewResolutionService(
	store domain.CanonicalProductRepository,
	cache *ResultCache,
	semantic *SemanticMatcher,
	web *WebPriceFetcher,
	policy ResolverPolicy,
) *ResolutionService {
	if policy.FuzzyAcceptance <= 0 {
		policy.FuzzyAcceptance = DefaultFuzzyAcceptance
	}
	if policy.SemanticAcceptance <= 0 {
		policy.SemanticAcceptance = DefaultSemanticAcceptance
	}
	if policy.CandidateLimit <= 0 {
		policy.CandidateLimit = DefaultCandidateLimit
	}
	if policy.BatchConcurrency <= 0 {
		policy.BatchConcurrency = DefaultBatchConcurrency
	}

	return &ResolutionService{
		store:    store,
		cache:    cache,
		scorer:   NewFuzzyScorer(policy.EnableDebugLogging),
		semantic: semantic,
		web:      web,
		policy:   policy,
	}
}

// Resolve runs the tiers for one query. The only error is ErrInvalidRequest;
// every other outcome, including upstream failures, is a Resolution.
func (s *ResolutionService) Resolve(ctx context.Context, request *domain.ResolveRequest) (*domain.Resolution, error) {
	if request == nil {
		return nil, domain.ErrInvalidRequest
	}
	query := strings.TrimSpace(request.Query)
	normalized := Normalize(query)
	if normalized == "" {
		return nil, domain.ErrInvalidRequest
	}

	cached, hit := s.cache.Get(ctx, normalized)
	if hit && !cached.IsNegative() && !request.Retry {
		return s.finish(ctx, s.fromCache(ctx, query, normalized, cached)), nil
	}
	negativeHit := hit && cached.IsNegative()

	products := s.loadCandidates(ctx)

	// exact, then fuzzy
	if key, ok := FindExact(normalized, productKeys(products)); ok {
		product := findProduct(products, key)
		res := fromProduct(query, normalized, product, 1.0, domain.SourceExact)
		s.remember(ctx, res)
		return s.finish(ctx, res), nil
	}

	ranked, err := s.scorer.ScoreAndRank(ctx, normalized, products)
	if err != nil {
		logger.WarnCtx(ctx, "fuzzy scoring aborted", zap.String("query", query), zap.Error(err))
	}
	if best, ok := Best(ranked); ok && best.Confidence >= s.policy.FuzzyAcceptance {
		res := fromProduct(query, normalized, &best.Product, best.Confidence, best.Source())
		s.remember(ctx, res)
		return s.finish(ctx, res), nil
	}

	// A cached negative survived the recheck; paid tiers only run on retry.
	if negativeHit && !request.Retry {
		return s.finish(ctx, notFound(query, normalized, domain.SourceCache)), nil
	}

	if len(products) > 0 && s.policy.EnableSemantic && s.semantic.Enabled() {
		candidates := semanticCandidates(ranked, products, s.semantic.maxCandidates)
		match := s.semantic.Match(ctx, query, candidates)
		switch {
		case match == nil:
		case match.Confidence >= s.policy.SemanticAcceptance:
			product := s.lookup(ctx, match.CanonicalKey, products)
			res := fromProduct(query, normalized, product, match.Confidence, domain.SourceAI)
			s.remember(ctx, res)
			return s.finish(ctx, res), nil
		default:
			logger.InfoCtx(ctx, "semantic match below acceptance",
				zap.String("query", query),
				zap.String("key", match.CanonicalKey),
				zap.Float64("confidence", match.Confidence),
				zap.Float64("acceptance", s.policy.SemanticAcceptance))
		}
	}

	skipWeb := len(products) == 0 && s.policy.SkipFallbacksWhenEmpty
	if !skipWeb && s.policy.EnableWebFetch && s.web.Enabled() {
		if result := s.web.Fetch(ctx, query, normalized); result.Found {
			samples := len(result.ChainPrices)
			if samples == 0 {
				samples = webPriceDefaultSampleCount
			}
			res := &domain.Resolution{
				Query:           query,
				NormalizedQuery: normalized,
				ResolvedKey:     result.CanonicalName,
				Confidence:      result.Confidence,
				Source:          domain.SourceWebScrape,
				AvgPriceILS:     result.AvgPrice,
				SampleCount:     &samples,
				Category:        result.Category,
				Found:           true,
			}
			return s.finish(ctx, res), nil
		}
	}

	res := notFound(query, normalized, domain.SourceFallback)
	s.remember(ctx, res)
	return s.finish(ctx, res), nil
}

// ResolveBatch resolves requests concurrently and returns results in input
// order. Invalid items resolve to a fallback instead of failing the batch.
func (s *ResolutionService) ResolveBatch(ctx context.Context, requests []domain.ResolveRequest) ([]*domain.Resolution, error) {
	if len(requests) == 0 || len(requests) > MaxBatchSize {
		return nil, domain.ErrInvalidRequest
	}

	results := make([]*domain.Resolution, len(requests))
	pool := pond.NewPool(min(s.policy.BatchConcurrency, len(requests)), pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for i := range requests {
		request := requests[i]
		group.Submit(func() {
			res, err := s.Resolve(ctx, &request)
			if err != nil {
				query := strings.TrimSpace(request.Query)
				res = notFound(query, Normalize(query), domain.SourceFallback)
			}
			results[i] = res
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("batch resolution interrupted: %w", err)
	}
	return results, nil
}

// loadCandidates returns the bounded canonical universe. A store failure
// reads as an empty universe.
func (s *ResolutionService) loadCandidates(ctx context.Context) []domain.CanonicalProduct {
	products, err := s.store.ListCanonicalProducts(ctx, s.policy.CandidateLimit)
	if err != nil {
		recordTierFailure(ctx, "store", fmt.Errorf("%w: %v", domain.ErrStoreFailure, err))
		return nil
	}
	return products
}

// lookup fetches the freshest row for key, falling back to the loaded candidate
func (s *ResolutionService) lookup(ctx context.Context, key string, products []domain.CanonicalProduct) *domain.CanonicalProduct {
	product, err := s.store.GetCanonicalProduct(ctx, key)
	if err == nil {
		return product
	}
	if !errors.Is(err, domain.ErrProductNotFound) {
		logger.WarnCtx(ctx, "canonical product lookup failed", zap.String("key", key), zap.Error(err))
	}
	if p := findProduct(products, key); p != nil {
		return p
	}
	return &domain.CanonicalProduct{CanonicalKey: key}
}

// fromCache builds a resolution from a positive entry, refreshing the price
// from the canonical row when it can be read
func (s *ResolutionService) fromCache(
	ctx context.Context,
	query, normalized string,
	entry *domain.ResolutionCacheEntry,
) *domain.Resolution {
	res := &domain.Resolution{
		Query:           query,
		NormalizedQuery: normalized,
		ResolvedKey:     *entry.CanonicalKey,
		Confidence:      entry.Confidence,
		Source:          domain.SourceCache,
		AvgPriceILS:     entry.AvgPriceILS,
		SampleCount:     entry.SampleCount,
		Found:           true,
	}

	product, err := s.store.GetCanonicalProduct(ctx, *entry.CanonicalKey)
	if err != nil {
		if !errors.Is(err, domain.ErrProductNotFound) {
			logger.WarnCtx(ctx, "price refresh failed", zap.String("key", *entry.CanonicalKey), zap.Error(err))
		}
		return res
	}
	res.AvgPriceILS, res.SampleCount = productPrice(product)
	res.Category = product.Category
	return res
}

// remember writes the terminal outcome to the cache. Failures are logged only.
func (s *ResolutionService) remember(ctx context.Context, res *domain.Resolution) {
	var key *string
	if res.Found {
		k := res.ResolvedKey
		key = &k
	}
	if err := s.cache.Put(ctx, res.NormalizedQuery, key, res.AvgPriceILS, res.Confidence, res.SampleCount); err != nil {
		metrics.RecordTierFailure("cache", "transport")
		logger.WarnCtx(ctx, "resolution cache write failed",
			zap.String("query", res.NormalizedQuery), zap.Error(err))
	}
}

func (s *ResolutionService) finish(ctx context.Context, res *domain.Resolution) *domain.Resolution {
	metrics.RecordResolution(string(res.Source))
	logger.InfoCtx(ctx, "resolved product",
		zap.String("query", res.Query),
		zap.String("key", res.ResolvedKey),
		zap.String("source", string(res.Source)),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("found", res.Found))
	return res
}

// semanticCandidates orders fuzzy hits first, then the rest of the universe,
// capped at limit
func semanticCandidates(ranked []ScoredCandidate, products []domain.CanonicalProduct, limit int) []string {
	seen := make(map[string]struct{}, len(ranked))
	keys := make([]string, 0, min(limit, len(products)))

	for _, c := range ranked {
		if len(keys) >= limit {
			return keys
		}
		if _, ok := seen[c.Product.CanonicalKey]; ok {
			continue
		}
		seen[c.Product.CanonicalKey] = struct{}{}
		keys = append(keys, c.Product.CanonicalKey)
	}
	for _, p := range products {
		if len(keys) >= limit {
			break
		}
		if p.CanonicalKey == "" {
			continue
		}
		if _, ok := seen[p.CanonicalKey]; ok {
			continue
		}
		seen[p.CanonicalKey] = struct{}{}
		keys = append(keys, p.CanonicalKey)
	}
	return keys
}

func productKeys(products []domain.CanonicalProduct) []string {
	keys := make([]string, len(products))
	for i, p := range products {
		keys[i] = p.CanonicalKey
	}
	return keys
}

func findProduct(products []domain.CanonicalProduct, key string) *domain.CanonicalProduct {
	for i := range products {
		if products[i].CanonicalKey == key {
			return &products[i]
		}
	}
	return nil
}

// productPrice returns nil values for a product that has never been priced
func productPrice(p *domain.CanonicalProduct) (*float64, *int) {
	if p == nil || (p.SampleCount == 0 && p.AvgPriceILS == 0) {
		return nil, nil
	}
	avg := p.AvgPriceILS
	samples := p.SampleCount
	return &avg, &samples
}

func fromProduct(
	query, normalized string,
	product *domain.CanonicalProduct,
	confidence float64,
	source domain.ResolveSource,
) *domain.Resolution {
	res := &domain.Resolution{
		Query:           query,
		NormalizedQuery: normalized,
		Confidence:      confidence,
		Source:          source,
		Found:           true,
	}
	if product == nil {
		res.ResolvedKey = query
		return res
	}
	res.ResolvedKey = product.CanonicalKey
	res.AvgPriceILS, res.SampleCount = productPrice(product)
	res.Category = product.Category
	return res
}

// notFound is the fallback: the trimmed query stands in as the key
func notFound(query, normalized string, source domain.ResolveSource) *domain.Resolution {
	return &domain.Resolution{
		Query:           query,
		NormalizedQuery: normalized,
		ResolvedKey:     strings.TrimSpace(query),
		Confidence:      0,
		Source:          source,
		Found:           false,
	}
}
