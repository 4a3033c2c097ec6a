package domain

import "time"

// ResolveSource names the tier that produced a resolution
type ResolveSource string

const (
	SourceExact     ResolveSource = "exact"
	SourceCache     ResolveSource = "cache"
	SourcePartial   ResolveSource = "partial"
	SourceWords     ResolveSource = "words"
	SourceAI        ResolveSource = "ai"
	SourceWebScrape ResolveSource = "webscrape"
	SourceFallback  ResolveSource = "fallback"
)

// CanonicalProduct is the price-join identity of a product.
// CanonicalKey is unique and is the only field used to join prices.
type CanonicalProduct struct {
	CanonicalKey string    `json:"canonicalKey"`
	AvgPriceILS  float64   `json:"avgPriceIls"`
	SampleCount  int       `json:"sampleCount"`
	Category     *string   `json:"category,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChainPriceEntry is one chain's price for a canonical product.
// (CanonicalKey, ChainName) is unique.
type ChainPriceEntry struct {
	CanonicalKey string    `json:"canonicalKey"`
	ChainName    string    `json:"chainName"`
	PriceILS     float64   `json:"priceIls"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// ResolutionCacheEntry is a previously resolved outcome for a normalized query.
// A nil CanonicalKey is a confident negative.
type ResolutionCacheEntry struct {
	NormalizedQuery string    `json:"normalizedQuery"`
	CanonicalKey    *string   `json:"canonicalKey"`
	AvgPriceILS     *float64  `json:"avgPriceIls"`
	Confidence      float64   `json:"confidence"`
	SampleCount     *int      `json:"sampleCount"`
	CachedAt        time.Time `json:"cachedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// IsNegative reports whether the entry records that no match was found
func (e *ResolutionCacheEntry) IsNegative() bool {
	return e.CanonicalKey == nil || *e.CanonicalKey == ""
}

// ResolveRequest is the input of a single resolution
type ResolveRequest struct {
	Query string `json:"query" binding:"required"`
	// Retry re-runs the paid tiers even when a negative is cached
	Retry bool `json:"retry,omitempty"`
}

// Resolution is what the rest of the app receives for a product name.
// AvgPriceILS is nil when no price is known.
type Resolution struct {
	Query           string        `json:"query"`
	NormalizedQuery string        `json:"normalizedQuery"`
	ResolvedKey     string        `json:"resolvedKey"`
	Confidence      float64       `json:"confidence"`
	Source          ResolveSource `json:"source"`
	AvgPriceILS     *float64      `json:"avgPrice"`
	SampleCount     *int          `json:"sampleCount,omitempty"`
	Category        *string       `json:"category,omitempty"`
	Found           bool          `json:"found"`
}

// PriceComparison is the per-chain view of one canonical product
type PriceComparison struct {
	Product       CanonicalProduct  `json:"product"`
	Chains        []ChainPriceEntry `json:"chains"`
	CheapestChain string            `json:"cheapestChain,omitempty"`
}
