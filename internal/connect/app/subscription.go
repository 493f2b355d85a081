package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// httpSubscriptionChecker asks the dashboard whether an owner's subscription
// is active. The dashboard answers 200 for active and 404/403 otherwise;
// anything else is an error so the caller denies rather than guesses.
type httpSubscriptionChecker struct {
	baseURL string
	client  *http.Client
}

func newHTTPSubscriptionChecker(baseURL string) *httpSubscriptionChecker {
	return &httpSubscriptionChecker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *httpSubscriptionChecker) HasActiveSubscription(ctx context.Context, ownerID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/"+url.PathEscape(ownerID), nil)
	if err != nil {
		return false, fmt.Errorf("subscription check: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("subscription check: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("subscription check: unexpected status %d", res.StatusCode)
	}
}

// allowAllSubscriptions stands in when no subscription endpoint is
// configured, for dev environments without a dashboard.
type allowAllSubscriptions struct{}

func (allowAllSubscriptions) HasActiveSubscription(context.Context, string) (bool, error) {
	return true, nil
}
