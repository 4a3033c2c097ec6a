package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pricelens/backend/internal/domain"
)

type resolverFixture struct {
	store   *MockStore
	clock   *fakeClock
	service *ResolutionService
}

func newResolverFixture(
	store *MockStore,
	model domain.LanguageModel,
	searcher domain.WebSearcher,
	policy ResolverPolicy,
) *resolverFixture {
	clock := newFakeClock()
	cache := NewResultCache(store, clock, 0)
	semantic := NewSemanticMatcher(model, 0)
	web := NewWebPriceFetcher(searcher, model, store, cache, clock, WebFetchConfig{})
	return &resolverFixture{
		store:   store,
		clock:   clock,
		service: NewResolutionService(store, cache, semantic, web, policy),
	}
}

func enabledPolicy() ResolverPolicy {
	return ResolverPolicy{EnableSemantic: true, EnableWebFetch: true}
}

func resolve(t *testing.T, s *ResolutionService, query string, retry bool) *domain.Resolution {
	t.Helper()
	res, err := s.Resolve(context.Background(), &domain.ResolveRequest{Query: query, Retry: retry})
	if err != nil {
		t.Fatalf("Resolve(%q) error = %v", query, err)
	}
	return res
}

func TestResolutionService_InvalidQuery(t *testing.T) {
	f := newResolverFixture(NewMockStore(), nil, nil, enabledPolicy())

	for _, q := range []string{"", "   ", "''", "-"} {
		_, err := f.service.Resolve(context.Background(), &domain.ResolveRequest{Query: q})
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("Resolve(%q) error = %v, want ErrInvalidRequest", q, err)
		}
	}
	if _, err := f.service.Resolve(context.Background(), nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("Resolve(nil) error = %v", err)
	}
}

func TestResolutionService_ExactShortCircuits(t *testing.T) {
	store := NewMockStore(newProduct("לחם אחיד", 8.5, 3), newProduct("חלב 3%", 6.9, 4))
	model := &MockLanguageModel{}
	searcher := &MockWebSearcher{}
	f := newResolverFixture(store, model, searcher, enabledPolicy())

	res := resolve(t, f.service, "  חלב 3% ", false)

	if res.Source != domain.SourceExact || res.Confidence != 1 || !res.Found {
		t.Errorf("resolution = %+v, want exact with confidence 1", res)
	}
	if res.ResolvedKey != "חלב 3%" {
		t.Errorf("resolved key = %q", res.ResolvedKey)
	}
	if res.AvgPriceILS == nil || *res.AvgPriceILS != 6.9 || res.SampleCount == nil || *res.SampleCount != 4 {
		t.Errorf("price = %v / %v", res.AvgPriceILS, res.SampleCount)
	}
	if model.calls() != 0 || searcher.calls() != 0 {
		t.Errorf("exact hit must not call upstream services (model %d, search %d)", model.calls(), searcher.calls())
	}
	entry, ok := store.cacheEntry("חלב 3%")
	if !ok || entry.IsNegative() || entry.Confidence != 1 {
		t.Errorf("expected a positive cache entry, got %+v", entry)
	}
}

func TestResolutionService_CacheHitRefreshesPrice(t *testing.T) {
	store := NewMockStore(newProduct("במבה", 4.9, 2))
	f := newResolverFixture(store, nil, nil, enabledPolicy())

	first := resolve(t, f.service, "במבה", false)
	if first.Source != domain.SourceExact {
		t.Fatalf("first source = %s", first.Source)
	}

	store.addProduct(newProduct("במבה", 5.4, 3))
	listCalls := store.listCalls

	second := resolve(t, f.service, "במבה", false)
	if second.Source != domain.SourceCache || second.ResolvedKey != "במבה" || !second.Found {
		t.Errorf("second resolution = %+v, want cache hit", second)
	}
	if *second.AvgPriceILS != 5.4 || *second.SampleCount != 3 {
		t.Errorf("cache hit should carry the current price, got %v", *second.AvgPriceILS)
	}
	if store.listCalls != listCalls {
		t.Error("a positive cache hit must not load the catalog")
	}
}

func TestResolutionService_CottageCheeseScenario(t *testing.T) {
	store := NewMockStore(
		newProduct("קוטג'", 5.9, 5),
		newProduct("קוטג' 9%", 6.4, 5),
		newProduct("גבינה לבנה", 5.2, 4),
	)
	model := &MockLanguageModel{}
	f := newResolverFixture(store, model, &MockWebSearcher{}, enabledPolicy())

	res := resolve(t, f.service, "קוטג׳ 5%", false)

	if res.NormalizedQuery != "קוטג 5%" {
		t.Errorf("normalized query = %q", res.NormalizedQuery)
	}
	if res.ResolvedKey != "קוטג'" {
		t.Errorf("resolved key = %q, want the shorter containment match", res.ResolvedKey)
	}
	if res.Source != domain.SourcePartial || res.Confidence != confidenceQueryContainsKey {
		t.Errorf("source/confidence = %s/%v", res.Source, res.Confidence)
	}
	if res.AvgPriceILS == nil || *res.AvgPriceILS != 5.9 {
		t.Errorf("price = %v", res.AvgPriceILS)
	}
	if model.calls() != 0 {
		t.Error("fuzzy acceptance must skip the semantic tier")
	}
}

func TestResolutionService_NegativeRevalidation(t *testing.T) {
	store := NewMockStore(newProduct("חלב", 6.5, 4))
	model := &MockLanguageModel{responses: []*domain.ChatResponse{
		{Content: `{"canonical_key": null, "confidence": 0.9}`},
	}}
	searcher := &MockWebSearcher{}
	f := newResolverFixture(store, model, searcher, enabledPolicy())

	first := resolve(t, f.service, "טחינה", false)
	if first.Found || first.Source != domain.SourceFallback {
		t.Fatalf("first resolution = %+v, want fallback", first)
	}
	if first.ResolvedKey != "טחינה" || first.Confidence != 0 || first.AvgPriceILS != nil {
		t.Errorf("fallback shape = %+v", first)
	}
	entry, ok := store.cacheEntry("טחינה")
	if !ok || !entry.IsNegative() {
		t.Fatal("fallback must be cached as a negative")
	}
	modelCalls, searchCalls := model.calls(), searcher.calls()

	second := resolve(t, f.service, "טחינה", false)
	if second.Found || second.Source != domain.SourceCache {
		t.Errorf("second resolution = %+v, want cached negative", second)
	}
	if model.calls() != modelCalls || searcher.calls() != searchCalls {
		t.Error("a cached negative must not re-run paid tiers without retry")
	}

	resolve(t, f.service, "טחינה", true)
	if model.calls() == modelCalls || searcher.calls() == searchCalls {
		t.Error("retry must re-run paid tiers")
	}

	store.addProduct(newProduct("טחינה גולמית", 13, 2))
	third := resolve(t, f.service, "טחינה", false)
	if !third.Found || third.ResolvedKey != "טחינה גולמית" || third.Source != domain.SourcePartial {
		t.Errorf("a negative must be rechecked against the catalog, got %+v", third)
	}
	entry, _ = store.cacheEntry("טחינה")
	if entry.IsNegative() {
		t.Error("the recheck must overwrite the negative")
	}
}

func TestResolutionService_SemanticFloor(t *testing.T) {
	catalog := func() *MockStore {
		return NewMockStore(newProduct("חלב", 6.5, 4), newProduct("גבינה צהובה", 32, 6))
	}
	reply := func(conf string) *MockLanguageModel {
		return &MockLanguageModel{responses: []*domain.ChatResponse{
			{Content: `{"canonical_key": "גבינה צהובה", "confidence": ` + conf + `}`},
		}}
	}

	tests := []struct {
		name       string
		confidence string
		acceptance float64
		wantFound  bool
	}{
		{name: "below default floor", confidence: "0.4", wantFound: false},
		{name: "above default floor", confidence: "0.6", wantFound: true},
		{name: "lowered floor accepts", confidence: "0.4", acceptance: 0.35, wantFound: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := enabledPolicy()
			policy.SemanticAcceptance = tt.acceptance
			f := newResolverFixture(catalog(), reply(tt.confidence), nil, policy)

			res := resolve(t, f.service, "קשקבל", false)
			if res.Found != tt.wantFound {
				t.Fatalf("found = %v, want %v (%+v)", res.Found, tt.wantFound, res)
			}
			if !tt.wantFound {
				if res.Source != domain.SourceFallback || res.ResolvedKey != "קשקבל" {
					t.Errorf("resolution = %+v, want fallback", res)
				}
				return
			}
			if res.Source != domain.SourceAI || res.ResolvedKey != "גבינה צהובה" {
				t.Errorf("resolution = %+v, want ai match", res)
			}
			if res.AvgPriceILS == nil || *res.AvgPriceILS != 32 {
				t.Errorf("price = %v", res.AvgPriceILS)
			}
		})
	}
}

func TestResolutionService_DistinctFamilyGuard(t *testing.T) {
	store := NewMockStore(newProduct("חלב", 6.5, 4))
	model := &MockLanguageModel{responses: []*domain.ChatResponse{
		{Content: `{"canonical_key": "חלב", "confidence": 0.95}`},
	}}
	f := newResolverFixture(store, model, nil, enabledPolicy())

	res := resolve(t, f.service, "חלב קוקוס", false)
	if res.Found || res.ResolvedKey == "חלב" {
		t.Errorf("coconut milk must not resolve to milk, got %+v", res)
	}
	if model.calls() != 1 {
		t.Errorf("model calls = %d, want the semantic tier to be consulted once", model.calls())
	}
}

func TestResolutionService_SemanticCandidatesOrdered(t *testing.T) {
	store := NewMockStore(
		newProduct("ביצים", 12, 3),
		newProduct("קמח", 5, 3),
		newProduct("לחם", 8, 3),
		newProduct("לחם שיפון כפרי", 16, 1),
	)
	model := &MockLanguageModel{}
	f := newResolverFixture(store, model, nil, enabledPolicy())

	// only the rye loaf shares a word with the query, too weakly to be accepted
	resolve(t, f.service, "שיפון מחמצת עגול פרוס", false)

	if model.calls() != 1 {
		t.Fatalf("model calls = %d", model.calls())
	}
	prompt := model.requests[0].User
	if !strings.Contains(prompt, "1. לחם שיפון כפרי\n2. ביצים\n") {
		t.Errorf("fuzzy hits should lead the candidate list:\n%s", prompt)
	}
	candidates := semanticCandidates(nil, []domain.CanonicalProduct{newProduct("a", 1, 1), newProduct("b", 1, 1)}, 1)
	if len(candidates) != 1 || candidates[0] != "a" {
		t.Errorf("candidates = %v, want capped store order", candidates)
	}

	ranked := []ScoredCandidate{{Product: newProduct("c", 1, 1)}, {Product: newProduct("a", 1, 1)}}
	candidates = semanticCandidates(ranked, []domain.CanonicalProduct{newProduct("a", 1, 1), newProduct("b", 1, 1), newProduct("c", 1, 1)}, 10)
	want := []string{"c", "a", "b"}
	for i := range want {
		if candidates[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", candidates, want)
		}
	}
}

func TestResolutionService_WebFetchPersists(t *testing.T) {
	store := NewMockStore()
	model := &MockLanguageModel{responses: []*domain.ChatResponse{toolReply(`{
		"found": true, "canonical_name": "סילאן", "avg_price": 15,
		"chain_prices": {"שופרסל": 16, "רמי לוי": 14}, "confidence": 0.7
	}`)}}
	searcher := &MockWebSearcher{results: []domain.SearchResult{{Body: "סילאן 16 ש\"ח"}}}
	f := newResolverFixture(store, model, searcher, enabledPolicy())

	res := resolve(t, f.service, "סילאן", false)
	if !res.Found || res.Source != domain.SourceWebScrape || res.ResolvedKey != "סילאן" {
		t.Fatalf("resolution = %+v, want webscrape", res)
	}
	if res.AvgPriceILS == nil || *res.AvgPriceILS != 15 {
		t.Errorf("price = %v", res.AvgPriceILS)
	}
	if store.saveCalls != 1 {
		t.Errorf("save calls = %d, want 1", store.saveCalls)
	}
	rows, _ := store.ListChainPrices(context.Background(), "סילאן")
	if len(rows) != 2 {
		t.Errorf("chain rows = %d, want 2", len(rows))
	}

	again := resolve(t, f.service, "סילאן", false)
	if again.Source != domain.SourceCache || again.ResolvedKey != "סילאן" {
		t.Errorf("second resolution = %+v, want cache hit", again)
	}
	if model.calls() != 1 || searcher.calls() != 1 {
		t.Error("cache hit must not call upstream services")
	}
}

func TestResolutionService_WebFetchKeepsDistinctFamily(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	milk := newProduct("חלב", 6.5, 1)
	if err := store.SaveProductWithPrices(ctx, milk, []domain.ChainPriceEntry{
		{CanonicalKey: "חלב", ChainName: "שופרסל", PriceILS: 6.5},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	model := &MockLanguageModel{responses: []*domain.ChatResponse{
		{Content: `{"canonical_key": null, "confidence": 0}`},
		toolReply(`{
			"found": true, "canonical_name": "חלב", "avg_price": 14.9,
			"chain_prices": {"שופרסל": 14.9}, "confidence": 0.8
		}`),
	}}
	searcher := &MockWebSearcher{results: []domain.SearchResult{{Body: "חלב קוקוס 14.9 ש\"ח"}}}
	f := newResolverFixture(store, model, searcher, enabledPolicy())

	res := resolve(t, f.service, "חלב קוקוס", false)
	if res.ResolvedKey != "חלב קוקוס" {
		t.Errorf("resolved key = %q, want the queried product", res.ResolvedKey)
	}

	stored, err := store.GetCanonicalProduct(ctx, "חלב")
	if err != nil {
		t.Fatalf("GetCanonicalProduct: %v", err)
	}
	if stored.AvgPriceILS != 6.5 {
		t.Errorf("milk average = %v, want 6.5", stored.AvgPriceILS)
	}
	rows, _ := store.ListChainPrices(ctx, "חלב")
	if len(rows) != 1 || rows[0].PriceILS != 6.5 {
		t.Errorf("milk chain rows = %+v, want the seeded row only", rows)
	}
	coconut, _ := store.ListChainPrices(ctx, "חלב קוקוס")
	if len(coconut) != 1 || coconut[0].PriceILS != 14.9 {
		t.Errorf("coconut milk chain rows = %+v", coconut)
	}
}

func TestResolutionService_SkipFallbacksWhenEmpty(t *testing.T) {
	searcher := &MockWebSearcher{}
	policy := enabledPolicy()
	policy.SkipFallbacksWhenEmpty = true
	f := newResolverFixture(NewMockStore(), &MockLanguageModel{}, searcher, policy)

	res := resolve(t, f.service, "אבוקדו", false)
	if res.Found || res.Source != domain.SourceFallback {
		t.Errorf("resolution = %+v", res)
	}
	if searcher.calls() != 0 {
		t.Error("web fetch must be skipped for an empty catalog")
	}
}

func TestResolutionService_StoreFailureStillResolves(t *testing.T) {
	store := NewMockStore(newProduct("חלב", 6.5, 4))
	store.listError = errStoreDown
	store.cacheError = errStoreDown
	f := newResolverFixture(store, nil, nil, enabledPolicy())

	res := resolve(t, f.service, "חלב", false)
	if res.Found || res.Source != domain.SourceFallback || res.ResolvedKey != "חלב" {
		t.Errorf("resolution = %+v, want fallback", res)
	}
}

func TestResolutionService_ResolveBatch(t *testing.T) {
	store := NewMockStore(newProduct("חלב 3%", 6.9, 4), newProduct("קוטג'", 5.9, 5))
	f := newResolverFixture(store, nil, nil, ResolverPolicy{BatchConcurrency: 2})

	requests := []domain.ResolveRequest{
		{Query: "חלב 3%"},
		{Query: "   "},
		{Query: "קוטג׳ 5%"},
		{Query: "פסטה"},
	}
	results, err := f.service.ResolveBatch(context.Background(), requests)
	if err != nil {
		t.Fatalf("ResolveBatch() error = %v", err)
	}
	if len(results) != len(requests) {
		t.Fatalf("results = %d, want %d", len(results), len(requests))
	}

	wantKeys := []string{"חלב 3%", "", "קוטג'", "פסטה"}
	wantFound := []bool{true, false, true, false}
	for i, res := range results {
		if res == nil {
			t.Fatalf("result %d is nil", i)
		}
		if res.ResolvedKey != wantKeys[i] || res.Found != wantFound[i] {
			t.Errorf("result %d = %+v, want key %q found %v", i, res, wantKeys[i], wantFound[i])
		}
	}

	if _, err := f.service.ResolveBatch(context.Background(), nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty batch error = %v", err)
	}
}
