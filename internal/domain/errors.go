package domain

import "errors"

var (
	// ErrInvalidRequest is returned when request parameters are invalid
	ErrInvalidRequest = errors.New("invalid request parameters")

	// ErrCacheMiss is returned when a resolution is not cached or has expired
	ErrCacheMiss = errors.New("cache miss")

	// ErrProductNotFound is returned when a canonical product does not exist
	ErrProductNotFound = errors.New("canonical product not found")

	// ErrRateLimited is returned when an upstream service answers 429
	ErrRateLimited = errors.New("upstream rate limit exceeded")

	// ErrQuotaExhausted is returned when an upstream service answers 402
	ErrQuotaExhausted = errors.New("upstream quota exhausted")

	// ErrUpstreamFailure is returned when an upstream request fails for any other reason
	ErrUpstreamFailure = errors.New("upstream request failed")

	// ErrMalformedResponse is returned when an upstream reply cannot be parsed
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrStoreFailure is returned when the backing store rejects a read or write
	ErrStoreFailure = errors.New("store operation failed")
)
