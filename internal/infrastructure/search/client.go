package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/infrastructure/upstream"
	"github.com/pricelens/backend/internal/logger"
)

// Config holds the search endpoint settings
type Config struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

type searchRequest struct {
	Query         string        `json:"query"`
	Limit         int           `json:"limit,omitempty"`
	Lang          string        `json:"lang,omitempty"`
	Country       string        `json:"country,omitempty"`
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
}

type scrapeOptions struct {
	Formats []string `json:"formats"`
}

type searchResponse struct {
	Success bool          `json:"success"`
	Data    []searchEntry `json:"data"`
	Error   string        `json:"error,omitempty"`
}

type searchEntry struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Markdown    string `json:"markdown"`
	HTML        string `json:"html"`
}

// Client queries a Firecrawl-compatible search API and returns page bodies as markdown
type Client struct {
	transport *upstream.Client
	apiKey    string
	endpoint  string
	sanitizer *bluemonday.Policy
	converter *converter.Converter
}

// NewClient creates a web-search client
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.firecrawl.dev"
	}

	return &Client{
		transport: upstream.NewClient(upstream.Config{
			Service:           "search",
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			MaxRetries:        cfg.MaxRetries,
		}),
		apiKey:    cfg.APIKey,
		endpoint:  base + "/v1/search",
		sanitizer: bluemonday.UGCPolicy(),
		converter: newConverter(),
	}
}

func newConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

// Search runs a localized query and returns one result per page with a non-empty body
func (c *Client) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	payload := searchRequest{
		Query:         req.Query,
		Limit:         req.Limit,
		Lang:          req.Lang,
		Country:       req.Country,
		ScrapeOptions: scrapeOptions{Formats: []string{"markdown"}},
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var resp searchResponse
	if err := c.transport.PostJSON(ctx, c.endpoint, headers, payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success && resp.Error != "" {
		return nil, fmt.Errorf("%w: search error: %s", domain.ErrUpstreamFailure, resp.Error)
	}

	results := make([]domain.SearchResult, 0, len(resp.Data))
	for _, entry := range resp.Data {
		body := c.body(entry)
		if body == "" {
			continue
		}
		results = append(results, domain.SearchResult{
			URL:   entry.URL,
			Title: strings.TrimSpace(entry.Title),
			Body:  body,
		})
	}

	logger.DebugCtx(ctx, "web search finished",
		zap.String("query", req.Query),
		zap.Int("returned", len(resp.Data)),
		zap.Int("usable", len(results)))
	return results, nil
}

// body prefers markdown, then sanitized HTML converted to markdown, then the snippet
func (c *Client) body(entry searchEntry) string {
	if md := strings.TrimSpace(entry.Markdown); md != "" {
		return md
	}
	if entry.HTML != "" {
		if md := c.htmlToMarkdown(entry.HTML, entry.URL); md != "" {
			return md
		}
	}
	return strings.TrimSpace(entry.Description)
}

func (c *Client) htmlToMarkdown(html, sourceURL string) string {
	clean := c.sanitizer.Sanitize(html)
	opts := []converter.ConvertOptionFunc{}
	if sourceURL != "" {
		opts = append(opts, converter.WithDomain(sourceURL))
	}
	md, err := c.converter.ConvertString(clean, opts...)
	if err != nil {
		logger.Debug("html conversion failed", zap.String("url", sourceURL), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(md)
}
