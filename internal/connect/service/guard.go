package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/inference"
	"github.com/repazoo/connect/internal/connect/platform"
	"github.com/repazoo/connect/internal/connect/ratelimit"
	"github.com/repazoo/connect/pkg/redact"
	"github.com/repazoo/connect/pkg/slogx"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// retryable is the shared shape of platform and inference API errors.
type retryable interface {
	error
	Retryable() bool
}

// isTransient reports whether an outbound failure is worth another attempt:
// provider errors that declare themselves retryable (429/5xx) and transport
// timeouts. Only the idempotent paths route through here; tweet creation and
// the code exchange are always single-attempt.
func isTransient(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// GuardService fronts every outbound call with the full gate sequence:
// consent, rate limit, (for AI calls) redaction, then the call itself with
// token injection at the transport and provider-header reconciliation after.
type GuardService struct {
	Consent   *ConsentService
	Tokens    *TokenService
	Limiter   ratelimit.Limiter
	Platforms platform.Registry
	Inference inference.Client
	Audit     *AuditService

	// Retry tuning for transient provider failures. Zero values take the
	// defaults above.
	MaxAttempts int
	BackoffBase time.Duration

	// ValidateSafe is exposed for tests; nil means redact.ValidateSafe.
	ValidateSafe func(string) bool
}

func (s *GuardService) validateSafe(text string) bool {
	if s.ValidateSafe != nil {
		return s.ValidateSafe(text)
	}
	return redact.ValidateSafe(text)
}

func (s *GuardService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return defaultMaxAttempts
}

func (s *GuardService) backoffBase() time.Duration {
	if s.BackoffBase > 0 {
		return s.BackoffBase
	}
	return defaultBackoffBase
}

// FetchMentions returns recent mentions of the connected account.
func (s *GuardService) FetchMentions(ctx context.Context, ownerID, credentialID string, maxResults int) ([]platform.Tweet, error) {
	cred, client, err := s.admit(ctx, ownerID, credentialID, ratelimit.APITwitterTimeline)
	if err != nil {
		return nil, err
	}

	var tweets []platform.Tweet
	err = s.callWithRetry(ctx, ownerID, ratelimit.APITwitterTimeline, func() (platform.RateInfo, error) {
		token, err := s.Tokens.GetValidAccessToken(ctx, credentialID)
		if err != nil {
			return platform.RateInfo{}, err
		}
		var rate platform.RateInfo
		tweets, rate, err = client.FetchMentions(ctx, token, cred.ExternalAccountID, maxResults)
		return rate, err
	})
	if err != nil {
		return nil, err
	}
	return tweets, nil
}

// LookupAccount fetches the connected account's current platform identity.
func (s *GuardService) LookupAccount(ctx context.Context, ownerID, credentialID string) (domain.ExternalAccount, error) {
	_, client, err := s.admit(ctx, ownerID, credentialID, ratelimit.APITwitterLookup)
	if err != nil {
		return domain.ExternalAccount{}, err
	}

	var account domain.ExternalAccount
	err = s.callWithRetry(ctx, ownerID, ratelimit.APITwitterLookup, func() (platform.RateInfo, error) {
		token, err := s.Tokens.GetValidAccessToken(ctx, credentialID)
		if err != nil {
			return platform.RateInfo{}, err
		}
		var rate platform.RateInfo
		account, rate, err = client.FetchMe(ctx, token)
		return rate, err
	})
	if err != nil {
		return domain.ExternalAccount{}, err
	}
	return account, nil
}

// PostTweet publishes on behalf of the owner. Posting is not idempotent, so
// it gets exactly one attempt; a transient failure surfaces to the caller
// rather than risking a duplicate post.
func (s *GuardService) PostTweet(ctx context.Context, ownerID, credentialID, text string) (platform.Tweet, error) {
	_, client, err := s.admit(ctx, ownerID, credentialID, ratelimit.APITwitterPost)
	if err != nil {
		return platform.Tweet{}, err
	}

	token, err := s.Tokens.GetValidAccessToken(ctx, credentialID)
	if err != nil {
		return platform.Tweet{}, err
	}

	tweet, rate, err := client.PostTweet(ctx, token, text)
	s.syncProviderRate(ctx, ownerID, ratelimit.APITwitterPost, rate)
	if err != nil {
		return platform.Tweet{}, err
	}
	return tweet, nil
}

// AnalyzeText runs owner-supplied text through the AI provider. The text is
// redacted first and hard-blocked if anything sensitive survives redaction;
// a blocked call is never retried.
func (s *GuardService) AnalyzeText(ctx context.Context, ownerID, credentialID, text string) (inference.Analysis, error) {
	cred, err := s.Consent.Verify(ctx, ownerID, credentialID)
	if err != nil {
		return inference.Analysis{}, err
	}

	if err := s.checkLimit(ctx, ownerID, ratelimit.APIInference); err != nil {
		return inference.Analysis{}, err
	}

	redacted := redact.Redact(text)
	if !s.validateSafe(redacted) {
		s.Audit.RecordBestEffort(ctx, ownerID, "credential", cred.ID, domain.SanitizationBlockedMetadata{
			TargetAPI: ratelimit.APIInference,
		})
		return inference.Analysis{}, ErrSanitizationBlocked
	}

	var analysis inference.Analysis
	err = s.retry(ctx, func() error {
		var err error
		analysis, err = s.Inference.Analyze(ctx, redacted)
		return err
	})
	if err != nil {
		return inference.Analysis{}, err
	}
	return analysis, nil
}

// admit runs the shared front half of the gate for platform calls: consent,
// then the rate limiter, then client resolution.
func (s *GuardService) admit(ctx context.Context, ownerID, credentialID, targetAPI string) (domain.Credential, platform.Client, error) {
	cred, err := s.Consent.Verify(ctx, ownerID, credentialID)
	if err != nil {
		return domain.Credential{}, nil, err
	}

	if err := s.checkLimit(ctx, ownerID, targetAPI); err != nil {
		return domain.Credential{}, nil, err
	}

	client, ok := s.Platforms.For(cred.TargetDomain)
	if !ok {
		return domain.Credential{}, nil, fmt.Errorf("%w: %s", ErrUnknownDomain, cred.TargetDomain)
	}
	return cred, client, nil
}

func (s *GuardService) checkLimit(ctx context.Context, ownerID, targetAPI string) error {
	err := s.Limiter.CheckAndIncrement(ctx, ownerID, targetAPI)
	if err == nil {
		return nil
	}

	var throttled *ratelimit.ThrottledError
	if errors.As(err, &throttled) {
		s.Audit.RecordBestEffort(ctx, ownerID, "rate_limit", targetAPI, domain.RateLimitedMetadata{
			TargetAPI:  targetAPI,
			RetryAfter: throttled.RetryAfter,
		})
	}
	return err
}

// callWithRetry wraps a platform call with transient-failure retries and
// feeds any provider rate headers back into the limiter, on success and
// failure alike.
func (s *GuardService) callWithRetry(ctx context.Context, ownerID, targetAPI string, call func() (platform.RateInfo, error)) error {
	return s.retry(ctx, func() error {
		rate, err := call()
		s.syncProviderRate(ctx, ownerID, targetAPI, rate)
		return err
	})
}

// retry runs fn up to maxAttempts times, backing off exponentially between
// attempts. Only errors that declare themselves retryable are retried;
// everything else surfaces immediately.
func (s *GuardService) retry(ctx context.Context, fn func() error) error {
	backoff := s.backoffBase()

	var err error
	for attempt := 1; attempt <= s.maxAttempts(); attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}
		if attempt == s.maxAttempts() {
			break
		}

		slogx.FromContext(ctx).Warn("transient provider failure, retrying",
			"attempt", attempt, "backoff", backoff, "error", redact.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return err
}

func (s *GuardService) syncProviderRate(ctx context.Context, ownerID, targetAPI string, rate platform.RateInfo) {
	if !rate.Present {
		return
	}
	if err := s.Limiter.SyncFromProviderHeaders(ctx, ownerID, targetAPI, rate.Remaining, rate.ResetAt); err != nil {
		slogx.FromContext(ctx).Warn("provider rate sync failed",
			"target_api", targetAPI, "error", err)
	}
}
