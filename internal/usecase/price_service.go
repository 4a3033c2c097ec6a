package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
)

// PriceImportItem is one chain price submitted through the import hook
type PriceImportItem struct {
	CanonicalKey string  `json:"canonicalKey" binding:"required"`
	ChainName    string  `json:"chainName" binding:"required"`
	PriceILS     float64 `json:"priceIls" binding:"required"`
}

// PriceService serves per-chain price comparisons and imports chain prices
type PriceService struct {
	store domain.CanonicalProductRepository
	clock domain.Clock
}

// NewPriceService creates a price service
func NewPriceService(store domain.CanonicalProductRepository, clock domain.Clock) *PriceService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &PriceService{store: store, clock: clock}
}

// Compare returns the canonical product with its chain prices, cheapest first
func (s *PriceService) Compare(ctx context.Context, canonicalKey string) (*domain.PriceComparison, error) {
	canonicalKey = strings.TrimSpace(canonicalKey)
	if canonicalKey == "" {
		return nil, domain.ErrInvalidRequest
	}

	product, err := s.store.GetCanonicalProduct(ctx, canonicalKey)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreFailure, err)
	}

	chains, err := s.store.ListChainPrices(ctx, product.CanonicalKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreFailure, err)
	}
	sort.SliceStable(chains, func(i, j int) bool {
		if chains[i].PriceILS == chains[j].PriceILS {
			return chains[i].ChainName < chains[j].ChainName
		}
		return chains[i].PriceILS < chains[j].PriceILS
	})

	comparison := &domain.PriceComparison{Product: *product, Chains: chains}
	if len(chains) > 0 {
		comparison.CheapestChain = chains[0].ChainName
	}
	return comparison, nil
}

// Import validates and upserts chain prices. Averages of every touched key are
// recomputed by the store. It returns the number of rows written.
func (s *PriceService) Import(ctx context.Context, items []PriceImportItem) (int, error) {
	if len(items) == 0 {
		return 0, domain.ErrInvalidRequest
	}

	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	entries := make([]domain.ChainPriceEntry, 0, len(items))
	for i, item := range items {
		key := strings.TrimSpace(item.CanonicalKey)
		chain := strings.TrimSpace(item.ChainName)
		if key == "" || chain == "" || math.IsNaN(item.PriceILS) || item.PriceILS <= 0 {
			return 0, fmt.Errorf("%w: item %d", domain.ErrInvalidRequest, i)
		}
		entries = append(entries, domain.ChainPriceEntry{
			CanonicalKey: key,
			ChainName:    chain,
			PriceILS:     item.PriceILS,
			LastUpdated:  now,
		})
	}

	if err := s.store.UpsertChainPrices(ctx, entries); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreFailure, err)
	}
	logger.InfoCtx(ctx, "imported chain prices", zap.Int("rows", len(entries)))
	return len(entries), nil
}
