package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
)

const (
	DefaultSearchMaxChars      = 8000
	DefaultSearchResultLimit   = 5
	DefaultMaxPlausiblePrice   = 500.0
	DefaultWebAcceptance       = 0.5
	webResultSeparator         = "\n\n---\n\n"
	webPriceToolName           = "report_price"
	webPriceSearchPhrase       = "מחיר סופרמרקט"
	webPriceDefaultSampleCount = 1
)

// DefaultChains are the supermarket chains named in the search query
var DefaultChains = []string{"שופרסל", "רמי לוי", "ויקטורי", "יוחננוף", "אושר עד", "טיב טעם"}

const webPriceSystemPrompt = `You extract Israeli supermarket prices from web search results.
Report the price of ONE standard retail unit in ILS.
- Use a generic Hebrew product name without brand for canonical_name.
- Ignore bulk packs, multi-packs, deals ("2 ב-") and per-kg prices of packaged goods.
- chain_prices maps a chain name to its price; omit chains without a price.
- If the results do not state a price for this product, set found to false.
Call report_price with your answer.`

var webPriceTool = domain.ToolSchema{
	Name:        webPriceToolName,
	Description: "Report the supermarket price found for the product",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"found":          map[string]interface{}{"type": "boolean"},
			"canonical_name": map[string]interface{}{"type": "string"},
			"avg_price":      map[string]interface{}{"type": []string{"number", "null"}},
			"chain_prices": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": map[string]interface{}{"type": []string{"number", "null"}},
			},
			"category":   map[string]interface{}{"type": []string{"string", "null"}},
			"confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{"found", "confidence"},
	},
}

// WebPriceResult is the outcome of a web price lookup. Found is false on any failure.
type WebPriceResult struct {
	Found         bool
	CanonicalName string
	AvgPrice      *float64
	ChainPrices   map[string]*float64
	Category      *string
	Confidence    float64
}

type webPriceReply struct {
	Found         bool                       `json:"found"`
	CanonicalName string                     `json:"canonical_name"`
	AvgPrice      json.RawMessage            `json:"avg_price"`
	ChainPrices   map[string]json.RawMessage `json:"chain_prices"`
	Category      *string                    `json:"category"`
	Confidence    json.RawMessage            `json:"confidence"`
}

// WebFetchConfig holds the search and plausibility settings of the web tier
type WebFetchConfig struct {
	Lang              string
	Country           string
	ResultLimit       int
	MaxChars          int
	Chains            []string
	MaxPlausiblePrice float64
	Acceptance        float64
}

// WebPriceFetcher looks a product up on the web, extracts a price with the
// language model and persists what it finds
type WebPriceFetcher struct {
	searcher domain.WebSearcher
	model    domain.LanguageModel
	store    domain.CanonicalProductRepository
	cache    *ResultCache
	clock    domain.Clock
	config   WebFetchConfig
}

// NewWebPriceFetcher creates a fetcher. The tier is disabled unless both the
// searcher and the model are set.
func NewWebPriceFetcher(
	searcher domain.WebSearcher,
	model domain.LanguageModel,
	store domain.CanonicalProductRepository,
	cache *ResultCache,
	clock domain.Clock,
	config WebFetchConfig,
) *WebPriceFetcher {
	if config.Lang == "" {
		config.Lang = "he"
	}
	if config.Country == "" {
		config.Country = "il"
	}
	if config.ResultLimit <= 0 {
		config.ResultLimit = DefaultSearchResultLimit
	}
	if config.MaxChars <= 0 {
		config.MaxChars = DefaultSearchMaxChars
	}
	if len(config.Chains) == 0 {
		config.Chains = DefaultChains
	}
	if config.MaxPlausiblePrice <= 0 {
		config.MaxPlausiblePrice = DefaultMaxPlausiblePrice
	}
	if config.Acceptance <= 0 {
		config.Acceptance = DefaultWebAcceptance
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}

	return &WebPriceFetcher{
		searcher: searcher,
		model:    model,
		store:    store,
		cache:    cache,
		clock:    clock,
		config:   config,
	}
}

// Enabled reports whether both upstream services are configured
func (f *WebPriceFetcher) Enabled() bool {
	return f != nil && f.searcher != nil && f.model != nil
}

// Fetch searches, extracts and persists a price for productName. The cache
// entry for normalizedQuery is written on success.
func (f *WebPriceFetcher) Fetch(ctx context.Context, productName, normalizedQuery string) WebPriceResult {
	productName = strings.TrimSpace(productName)
	if !f.Enabled() || productName == "" {
		return WebPriceResult{}
	}

	results, err := f.searcher.Search(ctx, domain.SearchRequest{
		Query:   f.searchQuery(productName),
		Lang:    f.config.Lang,
		Country: f.config.Country,
		Limit:   f.config.ResultLimit,
	})
	if err != nil {
		recordTierFailure(ctx, "webfetch", err, zap.String("query", productName), zap.String("step", "search"))
		return WebPriceResult{}
	}

	corpus := joinSearchBodies(results, f.config.MaxChars)
	if corpus == "" {
		logger.InfoCtx(ctx, "web search returned no content", zap.String("query", productName))
		return WebPriceResult{}
	}

	result, err := f.extract(ctx, productName, corpus)
	if err != nil {
		recordTierFailure(ctx, "webfetch", err, zap.String("query", productName), zap.String("step", "extract"))
		return WebPriceResult{}
	}
	if !result.Found || result.Confidence < f.config.Acceptance {
		logger.InfoCtx(ctx, "web price not accepted",
			zap.String("query", productName),
			zap.Bool("found", result.Found),
			zap.Float64("confidence", result.Confidence))
		return WebPriceResult{}
	}

	if err := f.persist(ctx, &result); err != nil {
		recordTierFailure(ctx, "webfetch", err, zap.String("query", productName), zap.String("step", "persist"))
		return WebPriceResult{}
	}

	if normalizedQuery != "" && f.cache != nil {
		key := result.CanonicalName
		samples := len(result.ChainPrices)
		if samples == 0 {
			samples = webPriceDefaultSampleCount
		}
		if err := f.cache.Put(ctx, normalizedQuery, &key, result.AvgPrice, result.Confidence, &samples); err != nil {
			logger.WarnCtx(ctx, "failed to cache web price",
				zap.String("query", normalizedQuery), zap.Error(err))
		}
	}

	logger.InfoCtx(ctx, "web price found",
		zap.String("query", productName),
		zap.String("key", result.CanonicalName),
		zap.Float64p("avg_price", result.AvgPrice),
		zap.Int("chains", len(result.ChainPrices)))
	return result
}

func (f *WebPriceFetcher) searchQuery(productName string) string {
	return fmt.Sprintf("%s %s %s", productName, webPriceSearchPhrase, strings.Join(f.config.Chains, " "))
}

// extract asks the model for a price record and validates it
func (f *WebPriceFetcher) extract(ctx context.Context, productName, corpus string) (WebPriceResult, error) {
	temperature := float32(0)
	tool := webPriceTool
	resp, err := f.model.Complete(ctx, domain.ChatRequest{
		System:      webPriceSystemPrompt,
		User:        fmt.Sprintf("Product: %s\nChains: %s\n\nSearch results:\n%s", productName, strings.Join(f.config.Chains, ", "), corpus),
		Tool:        &tool,
		Temperature: &temperature,
	})
	if err != nil {
		return WebPriceResult{}, err
	}

	payload := resp.Content
	if len(resp.ToolArguments) > 0 {
		payload = string(resp.ToolArguments)
	}
	var reply webPriceReply
	if err := DecodeJSONObject(payload, &reply); err != nil {
		return WebPriceResult{}, err
	}

	result := WebPriceResult{
		Found:         reply.Found,
		CanonicalName: strings.TrimSpace(reply.CanonicalName),
		Confidence:    parseConfidence(reply.Confidence),
		ChainPrices:   make(map[string]*float64),
	}
	if result.CanonicalName == "" {
		result.CanonicalName = productName
	}
	// A name from another product family would write its prices onto that
	// family's row, so the product is stored under the queried name instead.
	if qualifierMismatch(Normalize(productName), Normalize(result.CanonicalName)) {
		logger.InfoCtx(ctx, "web canonical name rejected by family guard",
			zap.String("query", productName),
			zap.String("canonical_name", result.CanonicalName))
		result.CanonicalName = productName
	}
	if reply.Category != nil && strings.TrimSpace(*reply.Category) != "" {
		category := strings.TrimSpace(*reply.Category)
		result.Category = &category
	}

	for chain, raw := range reply.ChainPrices {
		chain = strings.TrimSpace(chain)
		if chain == "" {
			continue
		}
		if price := f.plausiblePrice(raw); price != nil {
			result.ChainPrices[chain] = price
		}
	}

	result.AvgPrice = f.plausiblePrice(reply.AvgPrice)
	if len(result.ChainPrices) > 0 {
		mean := meanPrice(result.ChainPrices)
		result.AvgPrice = &mean
	}
	if result.AvgPrice == nil {
		result.Found = false
	}
	return result, nil
}

// plausiblePrice accepts a JSON number in (0, MaxPlausiblePrice]
func (f *WebPriceFetcher) plausiblePrice(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if math.IsNaN(v) || v <= 0 || v > f.config.MaxPlausiblePrice {
		return nil
	}
	return &v
}

// persist stores the product and its chain rows in one transaction, then
// re-reads the product so the result carries the stored average
func (f *WebPriceFetcher) persist(ctx context.Context, result *WebPriceResult) error {
	if f.store == nil {
		return nil
	}
	now := f.clock.Now()

	chains := make([]string, 0, len(result.ChainPrices))
	for chain := range result.ChainPrices {
		chains = append(chains, chain)
	}
	sort.Strings(chains)

	prices := make([]domain.ChainPriceEntry, 0, len(chains))
	for _, chain := range chains {
		prices = append(prices, domain.ChainPriceEntry{
			CanonicalKey: result.CanonicalName,
			ChainName:    chain,
			PriceILS:     *result.ChainPrices[chain],
			LastUpdated:  now,
		})
	}

	samples := len(prices)
	if samples == 0 {
		samples = webPriceDefaultSampleCount
	}
	product := domain.CanonicalProduct{
		CanonicalKey: result.CanonicalName,
		AvgPriceILS:  *result.AvgPrice,
		SampleCount:  samples,
		Category:     result.Category,
		UpdatedAt:    now,
	}
	if err := f.store.SaveProductWithPrices(ctx, product, prices); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreFailure, err)
	}

	stored, err := f.store.GetCanonicalProduct(ctx, result.CanonicalName)
	if err != nil {
		logger.WarnCtx(ctx, "failed to re-read saved product",
			zap.String("key", result.CanonicalName), zap.Error(err))
		return nil
	}
	avg := stored.AvgPriceILS
	result.AvgPrice = &avg
	return nil
}

// joinSearchBodies concatenates result bodies and caps the text at maxChars runes
func joinSearchBodies(results []domain.SearchResult, maxChars int) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		body := strings.TrimSpace(r.Body)
		if body == "" {
			continue
		}
		if r.Title != "" {
			body = "# " + strings.TrimSpace(r.Title) + "\n" + body
		}
		parts = append(parts, body)
	}
	return truncateRunes(strings.Join(parts, webResultSeparator), maxChars)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func meanPrice(prices map[string]*float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	var sum float64
	for _, p := range prices {
		sum += *p
	}
	return sum / float64(len(prices))
}
