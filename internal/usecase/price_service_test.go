package usecase

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/pricelens/backend/internal/domain"
)

func TestPriceService_ImportAndCompare(t *testing.T) {
	store := NewMockStore()
	service := NewPriceService(store, newFakeClock())
	ctx := context.Background()

	n, err := service.Import(ctx, []PriceImportItem{
		{CanonicalKey: "חלב 3%", ChainName: "שופרסל", PriceILS: 7.2},
		{CanonicalKey: "חלב 3%", ChainName: "רמי לוי", PriceILS: 6.4},
		{CanonicalKey: "חלב 3%", ChainName: "ויקטורי", PriceILS: 6.9},
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if n != 3 {
		t.Errorf("imported = %d, want 3", n)
	}

	comparison, err := service.Compare(ctx, "חלב 3%")
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if comparison.CheapestChain != "רמי לוי" {
		t.Errorf("cheapest = %q, want רמי לוי", comparison.CheapestChain)
	}
	wantOrder := []string{"רמי לוי", "ויקטורי", "שופרסל"}
	for i, chain := range comparison.Chains {
		if chain.ChainName != wantOrder[i] {
			t.Errorf("chain %d = %q, want %q", i, chain.ChainName, wantOrder[i])
		}
	}
	if math.Abs(comparison.Product.AvgPriceILS-6.833333333333333) > 1e-9 || comparison.Product.SampleCount != 3 {
		t.Errorf("average = %v over %d samples", comparison.Product.AvgPriceILS, comparison.Product.SampleCount)
	}
}

func TestPriceService_Errors(t *testing.T) {
	store := NewMockStore()
	service := NewPriceService(store, nil)
	ctx := context.Background()

	if _, err := service.Compare(ctx, " "); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("blank key error = %v", err)
	}
	if _, err := service.Compare(ctx, "לא קיים"); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("unknown key error = %v", err)
	}
	if _, err := service.Import(ctx, nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty import error = %v", err)
	}
	if _, err := service.Import(ctx, []PriceImportItem{{CanonicalKey: "x", ChainName: "y", PriceILS: -1}}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("negative price error = %v", err)
	}

	store.saveError = errStoreDown
	if _, err := service.Import(ctx, []PriceImportItem{{CanonicalKey: "x", ChainName: "y", PriceILS: 1}}); !errors.Is(err, domain.ErrStoreFailure) {
		t.Errorf("store failure error = %v", err)
	}
}
