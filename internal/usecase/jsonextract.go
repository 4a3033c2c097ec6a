package usecase

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/pricelens/backend/internal/domain"
)

// ExtractJSONObject returns the first balanced {...} object in text. Braces
// inside JSON strings are ignored.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end, ok := matchBrace(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// DecodeJSONObject extracts the first object in text and unmarshals it into v
func DecodeJSONObject(text string, v interface{}) error {
	raw, ok := ExtractJSONObject(text)
	if !ok {
		return fmt.Errorf("%w: no JSON object found", domain.ErrMalformedResponse)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}

// parseConfidence accepts only a JSON number in [0,1]; anything else is 0
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0
	}
	return v
}
