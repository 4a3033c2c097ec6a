package domain

import (
	"time"

	"github.com/google/uuid"
)

// ShoppingListEntry is one line of a shared list. UserText is display-only;
// every price lookup goes through CanonicalKey, which is never empty.
type ShoppingListEntry struct {
	ID                uuid.UUID     `json:"id"`
	UserText          string        `json:"userText"`
	CanonicalKey      string        `json:"canonicalKey"`
	ResolveConfidence float64       `json:"resolveConfidence"`
	ResolveSource     ResolveSource `json:"resolveSource"`
	Quantity          float64       `json:"quantity"`
	IsBought          bool          `json:"isBought"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}
