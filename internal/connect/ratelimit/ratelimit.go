// Package ratelimit enforces per-owner outbound call budgets. The primary
// limiter is a Redis-backed sliding window shared by every replica; when
// Redis is unreachable each replica falls back to an in-process limiter at
// the same configured limits rather than letting calls through unmetered.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Target API names used as limiter buckets.
const (
	APITwitterTimeline = "twitter_timeline"
	APITwitterLookup   = "twitter_lookup"
	APITwitterPost     = "twitter_post"
	APIInference       = "inference"
)

// Rule is one bucket's budget: at most Limit calls per sliding Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules mirrors the published provider budgets. Post capacity is held
// well under the provider cap so interactive traffic never exhausts it.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		APITwitterTimeline: {Limit: 900, Window: 15 * time.Minute},
		APITwitterLookup:   {Limit: 900, Window: 15 * time.Minute},
		APITwitterPost:     {Limit: 200, Window: 15 * time.Minute},
		APIInference:       {Limit: 50, Window: time.Minute},
	}
}

// ThrottledError reports a call denied by a limiter bucket, carrying how long
// the caller should wait before the window frees a slot.
type ThrottledError struct {
	TargetAPI  string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.TargetAPI, e.RetryAfter)
}

// Limiter is the consumer-facing contract. CheckAndIncrement reserves a slot
// or returns *ThrottledError; SyncFromProviderHeaders feeds back the
// provider's own counters so the local view never turns more permissive than
// the provider's.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, ownerID, targetAPI string) error
	SyncFromProviderHeaders(ctx context.Context, ownerID, targetAPI string, remaining int, resetAt time.Time) error
}
