package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/repazoo/connect/pkg/idx"
	"github.com/repazoo/connect/pkg/slogx"
)

const (
	providerRemainingField = "remaining"
	providerResetField     = "reset_at"
	providerSyncedField    = "synced_at"

	// Keys outlive their window slightly so a reconnecting replica still
	// sees recent history.
	keyTTLBuffer = time.Minute
)

// RedisLimiter is a sliding-window limiter over a sorted set per
// (owner, api) pair. Every replica shares the same counters, so the budget
// holds across the whole deployment. Provider-reported counters are kept in
// a companion hash and clamp the window when the provider says the budget is
// already gone.
type RedisLimiter struct {
	rdb      redis.UniversalClient
	rules    map[string]Rule
	fallback *LocalLimiter
	now      func() time.Time
}

func NewRedisLimiter(rdb redis.UniversalClient, rules map[string]Rule) *RedisLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RedisLimiter{
		rdb:      rdb,
		rules:    rules,
		fallback: NewLocalLimiter(rules),
		now:      time.Now,
	}
}

func windowKey(ownerID, targetAPI string) string {
	return fmt.Sprintf("ratelimit:%s:%s", ownerID, targetAPI)
}

func providerKey(ownerID, targetAPI string) string {
	return fmt.Sprintf("ratelimit:provider:%s:%s", ownerID, targetAPI)
}

func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, ownerID, targetAPI string) error {
	rule, ok := l.rules[targetAPI]
	if !ok || rule.Limit <= 0 {
		slogx.FromContext(ctx).Warn("no rate limit rule for target api, allowing",
			"target_api", targetAPI)
		return nil
	}

	now := l.now()

	if err := l.checkProviderClamp(ctx, ownerID, targetAPI, now); err != nil {
		return err
	}

	key := windowKey(ownerID, targetAPI)
	windowStart := now.Add(-rule.Window)

	var card *redis.IntCmd
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", formatScore(windowStart))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return l.failover(ctx, ownerID, targetAPI, err)
	}

	if card.Val() >= int64(rule.Limit) {
		retryAfter := rule.Window
		oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			freedAt := timeFromScore(oldest[0].Score).Add(rule.Window)
			if d := freedAt.Sub(now); d > 0 {
				retryAfter = d
			}
		}
		return &ThrottledError{TargetAPI: targetAPI, RetryAfter: retryAfter}
	}

	member := formatScore(now) + ":" + idx.New().String()
	_, err = l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: scoreOf(now), Member: member})
		pipe.Expire(ctx, key, rule.Window+keyTTLBuffer)
		return nil
	})
	if err != nil {
		return l.failover(ctx, ownerID, targetAPI, err)
	}
	return nil
}

// SyncFromProviderHeaders records the provider's own view of the budget. A
// zero remaining clamps CheckAndIncrement until resetAt regardless of what
// the local window believes.
func (l *RedisLimiter) SyncFromProviderHeaders(ctx context.Context, ownerID, targetAPI string, remaining int, resetAt time.Time) error {
	key := providerKey(ownerID, targetAPI)

	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			providerRemainingField, remaining,
			providerResetField, resetAt.Unix(),
			providerSyncedField, formatScore(l.now()),
		)
		pipe.ExpireAt(ctx, key, resetAt.Add(keyTTLBuffer))
		return nil
	})
	if err != nil {
		slogx.FromContext(ctx).Warn("provider header sync failed",
			"target_api", targetAPI, "error", err)
		return l.fallback.SyncFromProviderHeaders(ctx, ownerID, targetAPI, remaining, resetAt)
	}
	return nil
}

func (l *RedisLimiter) checkProviderClamp(ctx context.Context, ownerID, targetAPI string, now time.Time) error {
	vals, err := l.rdb.HGetAll(ctx, providerKey(ownerID, targetAPI)).Result()
	if err != nil || len(vals) == 0 {
		// Missing or unreadable provider state falls through to the
		// local window; the clamp only ever tightens.
		return nil
	}

	remaining, err := strconv.Atoi(vals[providerRemainingField])
	if err != nil {
		return nil
	}
	resetUnix, err := strconv.ParseInt(vals[providerResetField], 10, 64)
	if err != nil {
		return nil
	}
	resetAt := time.Unix(resetUnix, 0)
	if !now.Before(resetAt) {
		return nil
	}

	if remaining <= 0 {
		return &ThrottledError{TargetAPI: targetAPI, RetryAfter: resetAt.Sub(now)}
	}

	// The provider reported remaining calls left at sync time. Count what
	// the window spent since then and clamp once that allowance is gone,
	// so the shared view never drifts more permissive than the provider.
	syncedScore, ok := vals[providerSyncedField]
	if !ok {
		return nil
	}
	spent, err := l.rdb.ZCount(ctx, windowKey(ownerID, targetAPI), "("+syncedScore, "+inf").Result()
	if err != nil || spent < int64(remaining) {
		return nil
	}
	return &ThrottledError{TargetAPI: targetAPI, RetryAfter: resetAt.Sub(now)}
}

// failover hands the decision to the in-process limiter. Redis being down
// must never mean unlimited outbound calls.
func (l *RedisLimiter) failover(ctx context.Context, ownerID, targetAPI string, cause error) error {
	slogx.FromContext(ctx).Warn("redis rate limiter unavailable, using local fallback",
		"target_api", targetAPI, "error", cause)
	return l.fallback.CheckAndIncrement(ctx, ownerID, targetAPI)
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatScore(t time.Time) string {
	return strconv.FormatFloat(scoreOf(t), 'f', -1, 64)
}

func timeFromScore(score float64) time.Time {
	return time.Unix(0, int64(score*float64(time.Second)))
}
