package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
)

// DefaultSemanticMaxCandidates bounds the candidate list sent to the model
const DefaultSemanticMaxCandidates = 150

const semanticSystemPrompt = `You match Israeli supermarket shopping-list items to a catalog of canonical product names.
Rules:
- Match by product type, not by brand.
- Ignore fat percentage, size and package variants (חלב 3% and חלב 1% are the same product type).
- Plant-based substitutes are DIFFERENT products: coconut, almond, soy, oat or rice "milk", vegan "cheese".
- Specialty variants are DIFFERENT products: maple syrup vs syrup, olive oil vs oil, specialty flours and rice (spelt, whole wheat, basmati).
- Dietary, organic and kosher-for-passover qualifiers make a DIFFERENT product.
- Never substitute a generic product for a different product family. If no catalog entry is the same product, answer null.
Answer with JSON only: {"canonical_key": "<exact catalog entry>" or null, "confidence": <number between 0 and 1>}`

// SemanticMatch is an accepted-shape reply of the language model
type SemanticMatch struct {
	CanonicalKey string
	Confidence   float64
}

type semanticReply struct {
	CanonicalKey *string         `json:"canonical_key"`
	Confidence   json.RawMessage `json:"confidence"`
}

// SemanticMatcher asks a language model to pick the best canonical key from a
// bounded candidate list when deterministic matching fails
type SemanticMatcher struct {
	model         domain.LanguageModel
	maxCandidates int
}

// NewSemanticMatcher creates a matcher. A nil model disables the tier.
// maxCandidates is capped at DefaultSemanticMaxCandidates.
func NewSemanticMatcher(model domain.LanguageModel, maxCandidates int) *SemanticMatcher {
	if maxCandidates <= 0 || maxCandidates > DefaultSemanticMaxCandidates {
		maxCandidates = DefaultSemanticMaxCandidates
	}
	return &SemanticMatcher{model: model, maxCandidates: maxCandidates}
}

// Enabled reports whether a model is configured
func (m *SemanticMatcher) Enabled() bool {
	return m != nil && m.model != nil
}

// Match returns nil on transport failure, rate limiting, quota exhaustion, an
// unparseable reply, a null answer or a key outside the candidate list.
func (m *SemanticMatcher) Match(ctx context.Context, query string, candidateKeys []string) *SemanticMatch {
	if !m.Enabled() || strings.TrimSpace(query) == "" || len(candidateKeys) == 0 {
		return nil
	}
	if len(candidateKeys) > m.maxCandidates {
		candidateKeys = candidateKeys[:m.maxCandidates]
	}

	temperature := float32(0)
	resp, err := m.model.Complete(ctx, domain.ChatRequest{
		System:      semanticSystemPrompt,
		User:        buildSemanticPrompt(query, candidateKeys),
		Temperature: &temperature,
	})
	if err != nil {
		recordTierFailure(ctx, "semantic", err, zap.String("query", query))
		return nil
	}

	var reply semanticReply
	payload := resp.Content
	if len(resp.ToolArguments) > 0 {
		payload = string(resp.ToolArguments)
	}
	if err := DecodeJSONObject(payload, &reply); err != nil {
		recordTierFailure(ctx, "semantic", err, zap.String("query", query))
		return nil
	}
	if reply.CanonicalKey == nil || strings.TrimSpace(*reply.CanonicalKey) == "" {
		logger.DebugCtx(ctx, "semantic matcher found no candidate", zap.String("query", query))
		return nil
	}

	key, ok := FindExact(Normalize(*reply.CanonicalKey), candidateKeys)
	if !ok {
		recordTierFailure(ctx, "semantic",
			fmt.Errorf("%w: key %q is not a candidate", domain.ErrMalformedResponse, *reply.CanonicalKey),
			zap.String("query", query))
		return nil
	}

	match := &SemanticMatch{CanonicalKey: key, Confidence: parseConfidence(reply.Confidence)}
	if qualifierMismatch(Normalize(query), Normalize(key)) {
		logger.InfoCtx(ctx, "semantic match crosses product family",
			zap.String("query", query), zap.String("key", key), zap.Float64("confidence", match.Confidence))
		match.Confidence = min(match.Confidence, qualifierMismatchCap)
	}
	return match
}

func buildSemanticPrompt(query string, candidateKeys []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Shopping-list item: %q\n\nCatalog:\n", query)
	for i, key := range candidateKeys {
		fmt.Fprintf(&b, "%d. %s\n", i+1, key)
	}
	return b.String()
}
