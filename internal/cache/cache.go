package cache

import (
	"context"
)

// ResponseCache is a short-lived cache for proxied data-plane read results.
// The generic type T is the cached response representation.
type ResponseCache[T any] interface {
	// Get retrieves a cached response.
	// Returns the response, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a response.
	Set(ctx context.Context, key string, response T) error

	// Invalidate removes a cached response.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}
