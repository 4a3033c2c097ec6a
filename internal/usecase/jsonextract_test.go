package usecase

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pricelens/backend/internal/domain"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{
			name:   "bare object",
			input:  `{"canonical_key": "חלב", "confidence": 0.9}`,
			want:   `{"canonical_key": "חלב", "confidence": 0.9}`,
			wantOK: true,
		},
		{
			name:   "wrapped in prose and fences",
			input:  "Sure! Here you go:\n```json\n{\"canonical_key\": null, \"confidence\": 0}\n```\nHope it helps.",
			want:   `{"canonical_key": null, "confidence": 0}`,
			wantOK: true,
		},
		{
			name:   "nested object",
			input:  `x {"a": {"b": 1}, "c": 2} y`,
			want:   `{"a": {"b": 1}, "c": 2}`,
			wantOK: true,
		},
		{
			name:   "braces inside strings",
			input:  `{"name": "weird } key {", "n": 1}`,
			want:   `{"name": "weird } key {", "n": 1}`,
			wantOK: true,
		},
		{
			name:   "escaped quote inside string",
			input:  `{"name": "say \"hi\" }", "n": 1}`,
			want:   `{"name": "say \"hi\" }", "n": 1}`,
			wantOK: true,
		},
		{
			name:   "first of two objects",
			input:  `{"a": 1} {"b": 2}`,
			want:   `{"a": 1}`,
			wantOK: true,
		},
		{
			name:   "unbalanced prefix then valid object",
			input:  `{ oops {"a": 1}`,
			want:   `{"a": 1}`,
			wantOK: true,
		},
		{name: "no object", input: "I cannot help with that", wantOK: false},
		{name: "unterminated", input: `{"a": 1`, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ExtractJSONObject() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ExtractJSONObject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeJSONObject(t *testing.T) {
	var reply semanticReply
	if err := DecodeJSONObject(`answer: {"canonical_key": "במבה", "confidence": 0.8}`, &reply); err != nil {
		t.Fatalf("DecodeJSONObject() error = %v", err)
	}
	if reply.CanonicalKey == nil || *reply.CanonicalKey != "במבה" {
		t.Errorf("canonical_key = %v", reply.CanonicalKey)
	}

	err := DecodeJSONObject("no json here", &reply)
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse", err)
	}

	err = DecodeJSONObject(`{"canonical_key": 42}`, &reply)
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Errorf("error = %v, want ErrMalformedResponse for wrong type", err)
	}
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{raw: `0.7`, want: 0.7},
		{raw: `0`, want: 0},
		{raw: `1`, want: 1},
		{raw: `1.2`, want: 0},
		{raw: `-0.1`, want: 0},
		{raw: `"0.9"`, want: 0},
		{raw: `null`, want: 0},
		{raw: ``, want: 0},
	}
	for _, tt := range tests {
		if got := parseConfidence(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("parseConfidence(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
