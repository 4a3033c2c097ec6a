package usecase

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
)

// MatchRule identifies which scoring rule produced a candidate's score
type MatchRule string

const (
	RuleExact            MatchRule = "exact"
	RuleKeyContainsQuery MatchRule = "key_contains_query"
	RuleQueryContainsKey MatchRule = "query_contains_key"
	RuleWords            MatchRule = "words"
)

// Scoring constants. Within the containment tiers shorter keys score higher.
const (
	scoreExact               = 1000.0
	keyContainsBase          = 100.0
	keyContainsLengthBonus   = 50.0
	queryContainsBase        = 80.0
	queryContainsLengthBonus = 40.0
	wordOverlapMax           = 60.0
)

// Confidence per rule
const (
	confidenceKeyContainsQuery = 0.85
	confidenceQueryContainsKey = 0.75
	confidenceWordsFactor      = 0.7
	qualifierMismatchCap       = 0.3
)

// distinctQualifiers mark product families that must not be merged with their
// generic counterpart: plant-based substitutes, specialty variants, dietary and
// kashrut qualifiers. A term present on one side only flags the pair.
var distinctQualifiers = []string{
	// Plant-based
	"קוקוס", "שקדים", "סויה", "שיבולת שועל", "חלב אורז", "טבעוני", "צמחי",
	"coconut", "almond", "soy", "oat", "rice milk", "vegan", "plant based",
	// Specialty variants
	"מייפל", "זית", "כוסמין", "כוסמת", "בסמטי", "יסמין", "קמח מלא", "סילאן",
	"maple", "olive", "spelt", "buckwheat", "basmati", "jasmine", "whole wheat",
	// Dietary, organic, kashrut
	"ללא גלוטן", "לקטוז", "ללא סוכר", "אורגני", "לפסח",
	"gluten free", "lactose", "sugar free", "organic", "passover",
}

// ScoredCandidate is one ranked canonical product
type ScoredCandidate struct {
	Product           domain.CanonicalProduct
	Score             float64
	Rule              MatchRule
	Confidence        float64
	QualifierMismatch bool
}

// Source maps the scoring rule to the resolution source it reports
func (c ScoredCandidate) Source() domain.ResolveSource {
	switch c.Rule {
	case RuleExact:
		return domain.SourceExact
	case RuleWords:
		return domain.SourceWords
	default:
		return domain.SourcePartial
	}
}

// FuzzyScorer scores canonical keys against a normalized query using
// containment and word-overlap rules. It scans every candidate, so callers
// bound the candidate set.
type FuzzyScorer struct {
	enableDebugLogging bool
}

// NewFuzzyScorer creates a scorer
func NewFuzzyScorer(enableDebugLogging bool) *FuzzyScorer {
	return &FuzzyScorer{enableDebugLogging: enableDebugLogging}
}

// ScoreAndRank scores every candidate and returns those with a positive score,
// best first. Equal scores keep their input order.
func (s *FuzzyScorer) ScoreAndRank(
	ctx context.Context,
	normalizedQuery string,
	candidates []domain.CanonicalProduct,
) ([]ScoredCandidate, error) {
	if normalizedQuery == "" || len(candidates) == 0 {
		return nil, nil
	}

	queryWords := splitWords(normalizedQuery)
	ranked := make([]ScoredCandidate, 0)

	for i, product := range candidates {
		if i%256 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		key := Normalize(product.CanonicalKey)
		score, rule, ratio := scoreKey(normalizedQuery, queryWords, key)
		if score <= 0 {
			continue
		}

		candidate := ScoredCandidate{
			Product:    product,
			Score:      score,
			Rule:       rule,
			Confidence: confidenceFor(rule, ratio),
		}
		if rule != RuleExact && qualifierMismatch(normalizedQuery, key) {
			candidate.QualifierMismatch = true
			candidate.Confidence = min(candidate.Confidence, qualifierMismatchCap)
		}
		ranked = append(ranked, candidate)

		if s.enableDebugLogging {
			logger.DebugCtx(ctx, "fuzzy candidate",
				zap.String("query", normalizedQuery),
				zap.String("key", product.CanonicalKey),
				zap.String("rule", string(rule)),
				zap.Float64("score", score),
				zap.Bool("qualifier_mismatch", candidate.QualifierMismatch))
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

// Best returns the highest ranked candidate that does not cross a product
// family. When every candidate does, the top one is returned with its capped
// confidence so it never clears an acceptance floor.
func Best(ranked []ScoredCandidate) (ScoredCandidate, bool) {
	if len(ranked) == 0 {
		return ScoredCandidate{}, false
	}
	for _, c := range ranked {
		if !c.QualifierMismatch {
			return c, true
		}
	}
	return ranked[0], true
}

// scoreKey applies the first matching rule. ratio is the word-overlap ratio
// and is only meaningful for RuleWords.
func scoreKey(query string, queryWords []string, key string) (float64, MatchRule, float64) {
	if key == "" {
		return 0, "", 0
	}
	if key == query {
		return scoreExact, RuleExact, 1
	}

	keyLen := float64(utf8.RuneCountInString(key))
	if strings.Contains(key, query) {
		return keyContainsBase + keyContainsLengthBonus/keyLen, RuleKeyContainsQuery, 0
	}
	if strings.Contains(query, key) {
		return queryContainsBase + queryContainsLengthBonus/keyLen, RuleQueryContainsKey, 0
	}

	if len(queryWords) == 0 {
		return 0, "", 0
	}
	keyWords := splitWords(key)
	overlapping := 0
	for _, qw := range queryWords {
		for _, kw := range keyWords {
			if strings.Contains(kw, qw) || strings.Contains(qw, kw) {
				overlapping++
				break
			}
		}
	}
	if overlapping == 0 {
		return 0, "", 0
	}
	ratio := float64(overlapping) / float64(len(queryWords))
	return ratio * wordOverlapMax, RuleWords, ratio
}

func confidenceFor(rule MatchRule, ratio float64) float64 {
	switch rule {
	case RuleExact:
		return 1.0
	case RuleKeyContainsQuery:
		return confidenceKeyContainsQuery
	case RuleQueryContainsKey:
		return confidenceQueryContainsKey
	case RuleWords:
		return ratio * confidenceWordsFactor
	default:
		return 0
	}
}

// qualifierMismatch reports whether exactly one of the two normalized texts
// carries a distinguishing qualifier
func qualifierMismatch(a, b string) bool {
	for _, term := range distinctQualifiers {
		if strings.Contains(a, term) != strings.Contains(b, term) {
			return true
		}
	}
	return false
}
