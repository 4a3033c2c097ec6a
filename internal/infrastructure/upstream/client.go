package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
	"github.com/pricelens/backend/internal/metrics"
)

// maxErrorBody bounds how much of an error response is kept for logs
const maxErrorBody = 512

// Config holds the transport settings shared by upstream API clients
type Config struct {
	Service           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	// InitialBackoff is the first retry delay; zero uses 500ms
	InitialBackoff time.Duration
}

// Client posts JSON to a rate-limited upstream and retries transient failures.
// 429 and 402 answers are not retried: they map to ErrRateLimited and
// ErrQuotaExhausted so the caller can degrade gracefully.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	service     string
	maxRetries  int
	initialWait time.Duration
}

// NewClient creates an upstream client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		service:     cfg.Service,
		maxRetries:  cfg.MaxRetries,
		initialWait: cfg.InitialBackoff,
	}
}

// PostJSON sends payload to url and decodes a 200 answer into out
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, payload, out interface{}) (err error) {
	start := time.Now()
	defer func() { metrics.RecordUpstreamCall(c.service, time.Since(start), err) }()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshaling request: %w", c.service, err)
	}

	var respBody []byte
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s rate limiter: %v", domain.ErrUpstreamFailure, c.service, err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: creating request: %w", c.service, err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "PriceLens/1.0")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %s: %v", domain.ErrUpstreamFailure, c.service, ctx.Err()))
			}
			logger.WarnCtx(ctx, "upstream request failed",
				zap.String("service", c.service), zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamFailure, c.service, err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				logger.Warn("failed to close response body", zap.String("service", c.service), zap.Error(err))
			}
		}()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %s: reading body: %v", domain.ErrUpstreamFailure, c.service, err)
		}

		if err := statusError(c.service, resp.StatusCode, data); err != nil {
			if resp.StatusCode >= http.StatusInternalServerError {
				logger.WarnCtx(ctx, "upstream server error",
					zap.String("service", c.service), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
				return err
			}
			return backoff.Permanent(err)
		}

		respBody = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialWait
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %s: decoding response: %v", domain.ErrMalformedResponse, c.service, err)
	}
	return nil
}

// statusError maps a non-200 status to a domain sentinel
func statusError(service string, status int, body []byte) error {
	if status == http.StatusOK {
		return nil
	}
	snippet := string(body)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}

	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned 429", domain.ErrRateLimited, service)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s returned 402", domain.ErrQuotaExhausted, service)
	default:
		return fmt.Errorf("%w: %s returned status %d: %s", domain.ErrUpstreamFailure, service, status, snippet)
	}
}
