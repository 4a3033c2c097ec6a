package usecase

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/pricelens/backend/internal/domain"
)

// AddItemRequest is a new shopping-list line as typed by the user
type AddItemRequest struct {
	Text     string  `json:"text" binding:"required"`
	Quantity float64 `json:"quantity"`
}

// ShoppingListService turns typed items into list entries with a resolved price key
type ShoppingListService struct {
	resolver *ResolutionService
	clock    domain.Clock
}

// NewShoppingListService creates the service
func NewShoppingListService(resolver *ResolutionService, clock domain.Clock) *ShoppingListService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &ShoppingListService{resolver: resolver, clock: clock}
}

// AddItem resolves the text and returns the new entry with its resolution
func (s *ShoppingListService) AddItem(
	ctx context.Context,
	request *AddItemRequest,
) (*domain.ShoppingListEntry, *domain.Resolution, error) {
	if request == nil || strings.TrimSpace(request.Text) == "" || request.Quantity < 0 {
		return nil, nil, domain.ErrInvalidRequest
	}

	res, err := s.resolver.Resolve(ctx, &domain.ResolveRequest{Query: request.Text})
	if err != nil {
		return nil, nil, err
	}
	entry := NewShoppingListEntry(request.Text, request.Quantity, res, s.clock)
	return &entry, res, nil
}

// NewShoppingListEntry builds a list line. The canonical key falls back to the
// trimmed user text so that the line always has a price key.
func NewShoppingListEntry(userText string, quantity float64, res *domain.Resolution, clock domain.Clock) domain.ShoppingListEntry {
	if quantity <= 0 {
		quantity = 1
	}
	now := clock.Now()

	entry := domain.ShoppingListEntry{
		ID:            uuid.New(),
		UserText:      userText,
		CanonicalKey:  strings.TrimSpace(userText),
		ResolveSource: domain.SourceFallback,
		Quantity:      quantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if res != nil {
		if key := strings.TrimSpace(res.ResolvedKey); key != "" {
			entry.CanonicalKey = key
		}
		entry.ResolveConfidence = res.Confidence
		entry.ResolveSource = res.Source
	}
	return entry
}
