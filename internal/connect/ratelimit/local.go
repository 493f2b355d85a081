package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// providerClamp is the provider's own view of a budget, captured from
// response headers. remaining counts down with every local allowance until
// resetAt passes; the window is never more permissive than the provider.
type providerClamp struct {
	remaining int
	resetAt   time.Time
}

// LocalLimiter is an in-process sliding-budget limiter built on token
// buckets. It backs the Redis limiter when Redis is down and serves tests;
// it cannot coordinate across replicas, so each replica enforces the full
// budget independently (stricter in aggregate, never looser per replica).
type LocalLimiter struct {
	rules map[string]Rule

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	clamps  map[string]*providerClamp
}

func NewLocalLimiter(rules map[string]Rule) *LocalLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &LocalLimiter{
		rules:   rules,
		buckets: make(map[string]*rate.Limiter),
		clamps:  make(map[string]*providerClamp),
	}
}

func (l *LocalLimiter) CheckAndIncrement(_ context.Context, ownerID, targetAPI string) error {
	rule, ok := l.rules[targetAPI]
	if !ok || rule.Limit <= 0 {
		return nil
	}
	key := ownerID + ":" + targetAPI

	l.mu.Lock()
	defer l.mu.Unlock()

	if clamp, ok := l.clamps[key]; ok {
		if !time.Now().Before(clamp.resetAt) {
			delete(l.clamps, key)
		} else if clamp.remaining <= 0 {
			return &ThrottledError{TargetAPI: targetAPI, RetryAfter: time.Until(clamp.resetAt)}
		}
	}

	lim := l.bucketLocked(key, rule)
	r := lim.Reserve()
	if !r.OK() {
		return &ThrottledError{TargetAPI: targetAPI, RetryAfter: rule.Window}
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return &ThrottledError{TargetAPI: targetAPI, RetryAfter: delay}
	}

	if clamp, ok := l.clamps[key]; ok {
		clamp.remaining--
	}
	return nil
}

// SyncFromProviderHeaders pins the local view to the provider's: until
// resetAt the window admits at most the reported remaining, on top of
// whatever the local budget would have refused anyway.
func (l *LocalLimiter) SyncFromProviderHeaders(_ context.Context, ownerID, targetAPI string, remaining int, resetAt time.Time) error {
	if _, ok := l.rules[targetAPI]; !ok {
		return nil
	}
	if remaining < 0 {
		remaining = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.clamps[ownerID+":"+targetAPI] = &providerClamp{remaining: remaining, resetAt: resetAt}
	return nil
}

// bucketLocked returns the key's token bucket; the caller holds l.mu.
func (l *LocalLimiter) bucketLocked(key string, rule Rule) *rate.Limiter {
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)
		l.buckets[key] = lim
	}
	return lim
}
