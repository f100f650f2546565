// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
	"sync"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheStale   CacheResult = "stale"
	CacheCorrupt CacheResult = "corrupt"
	CacheBypass  CacheResult = "bypass"
	CacheNA      CacheResult = "na"
)

// rank orders lookup results from best to worst. A study request touches
// many instances and reports the worst of them.
func (c CacheResult) rank() int {
	switch c {
	case CacheHit:
		return 1
	case CacheStale:
		return 2
	case CacheCorrupt:
		return 3
	case CacheMiss:
		return 4
	default:
		return 0
	}
}

// RequestTags holds request metadata that handlers set for logging. It is
// safe for concurrent use.
type RequestTags struct {
	mu          sync.Mutex
	cacheResult CacheResult
	endpoint    string
}

// CacheResult returns the recorded cache result.
func (t *RequestTags) CacheResult() CacheResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cacheResult
}

// Endpoint returns the recorded endpoint name.
func (t *RequestTags) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{cacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context, allowing code
// below the HTTP layer to report its cache result.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult overwrites the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.mu.Lock()
		tags.cacheResult = result
		tags.mu.Unlock()
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.mu.Lock()
		tags.endpoint = endpoint
		tags.mu.Unlock()
	}
}

// MarkCacheResult records a lookup result on the request tags carried by
// ctx, if any. The worst result seen so far is kept, so one miss among many
// hits reports the request as a miss.
func MarkCacheResult(ctx context.Context, result CacheResult) {
	tags := TagsFromContext(ctx)
	if tags == nil {
		return
	}
	tags.mu.Lock()
	defer tags.mu.Unlock()
	if result.rank() >= tags.cacheResult.rank() {
		tags.cacheResult = result
	}
}
