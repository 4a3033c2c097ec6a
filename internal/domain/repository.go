package domain

import (
	"context"
	"encoding/json"
	"time"
)

// CanonicalProductRepository reads and writes canonical products and their chain prices
type CanonicalProductRepository interface {
	// ListCanonicalProducts returns up to limit products in a stable order
	ListCanonicalProducts(ctx context.Context, limit int) ([]CanonicalProduct, error)
	// GetCanonicalProduct returns ErrProductNotFound when the key is unknown
	GetCanonicalProduct(ctx context.Context, key string) (*CanonicalProduct, error)
	// SaveProductWithPrices upserts the product and its chain prices in one transaction.
	// When chain rows exist for the key, the stored average is their mean.
	SaveProductWithPrices(ctx context.Context, product CanonicalProduct, prices []ChainPriceEntry) error
	// UpsertChainPrices upserts chain rows and recomputes the average of every touched key
	UpsertChainPrices(ctx context.Context, prices []ChainPriceEntry) error
	ListChainPrices(ctx context.Context, key string) ([]ChainPriceEntry, error)
}

// ResolutionCacheRepository persists resolution cache entries
type ResolutionCacheRepository interface {
	// GetCacheEntry returns ErrCacheMiss when no row exists. Expiry is the caller's concern.
	GetCacheEntry(ctx context.Context, normalizedQuery string) (*ResolutionCacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry ResolutionCacheEntry) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
}

// Store is the data-store port the resolution engine depends on
type Store interface {
	CanonicalProductRepository
	ResolutionCacheRepository
	Close() error
}

// ToolSchema forces structured output from the language model
type ToolSchema struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters"`
}

// ChatRequest is a system+user prompt pair
type ChatRequest struct {
	System      string
	User        string
	Tool        *ToolSchema
	Temperature *float32
}

// ChatResponse carries free-form content and, when a tool was forced, its raw arguments
type ChatResponse struct {
	Content       string
	ToolArguments json.RawMessage
}

// LanguageModel is a chat-completion service. Errors wrap ErrRateLimited,
// ErrQuotaExhausted, ErrMalformedResponse or ErrUpstreamFailure.
type LanguageModel interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// SearchRequest describes a localized web search
type SearchRequest struct {
	Query   string
	Lang    string
	Country string
	Limit   int
}

// SearchResult is one web result; Body is markdown or plain text
type SearchResult struct {
	URL   string
	Title string
	Body  string
}

// WebSearcher is a web-search service
type WebSearcher interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// Clock abstracts time for expiry decisions
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
