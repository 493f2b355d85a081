package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/repazoo/connect/internal/connect/domain"
)

const (
	defaultAuthURL   = "https://twitter.com/i/oauth2/authorize"
	defaultTokenURL  = "https://api.twitter.com/2/oauth2/token"
	defaultRevokeURL = "https://api.twitter.com/2/oauth2/revoke"
	defaultAPIBase   = "https://api.twitter.com"

	// apiTimeout bounds every provider round trip. The guard's context
	// deadline can only shorten it further.
	apiTimeout = 15 * time.Second

	rateRemainingHeader = "x-rate-limit-remaining"
	rateResetHeader     = "x-rate-limit-reset"
)

// TwitterConfig is one OAuth app registration tied to a dashboard domain.
type TwitterConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint overrides, used by tests pointing at httptest servers.
	// Empty values mean the production endpoints.
	AuthURL   string
	TokenURL  string
	RevokeURL string
	APIBase   string
}

// TwitterClient implements Client against the v2 API using the confidential
// client PKCE flow.
type TwitterClient struct {
	oauth     *oauth2.Config
	http      *http.Client
	revokeURL string
	apiBase   string
}

func NewTwitterClient(cfg TwitterConfig) *TwitterClient {
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &TwitterClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		http:      &http.Client{Timeout: apiTimeout},
		revokeURL: revokeURL,
		apiBase:   strings.TrimSuffix(apiBase, "/"),
	}
}

func (c *TwitterClient) AuthorizationURL(state, codeChallenge string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func (c *TwitterClient) Exchange(ctx context.Context, code, codeVerifier string) (TokenSet, error) {
	ctx = c.httpContext(ctx)

	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return TokenSet{}, classifyGrantError(err)
	}
	return tokenSetFrom(tok), nil
}

func (c *TwitterClient) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	ctx = c.httpContext(ctx)

	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, classifyGrantError(err)
	}

	out := tokenSetFrom(tok)
	if out.RefreshToken == "" {
		// Provider did not rotate; keep using the old one.
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func (c *TwitterClient) Revoke(ctx context.Context, accessToken string) error {
	form := url.Values{
		"token":           {accessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {c.oauth.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.oauth.ClientID, c.oauth.ClientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *TwitterClient) FetchMe(ctx context.Context, accessToken string) (domain.ExternalAccount, RateInfo, error) {
	var body struct {
		Data struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Username string `json:"username"`
		} `json:"data"`
	}

	rate, err := c.getJSON(ctx, accessToken,
		"/2/users/me?user.fields=id,name,username", &body)
	if err != nil {
		return domain.ExternalAccount{}, rate, err
	}

	return domain.ExternalAccount{
		ID:          body.Data.ID,
		Handle:      body.Data.Username,
		DisplayName: body.Data.Name,
	}, rate, nil
}

func (c *TwitterClient) FetchMentions(ctx context.Context, accessToken, accountID string, maxResults int) ([]Tweet, RateInfo, error) {
	if maxResults <= 0 {
		maxResults = 10
	}

	var body struct {
		Data []Tweet `json:"data"`
	}

	path := fmt.Sprintf("/2/users/%s/mentions?max_results=%d&tweet.fields=author_id,created_at",
		url.PathEscape(accountID), maxResults)
	rate, err := c.getJSON(ctx, accessToken, path, &body)
	if err != nil {
		return nil, rate, err
	}
	return body.Data, rate, nil
}

func (c *TwitterClient) PostTweet(ctx context.Context, accessToken, text string) (Tweet, RateInfo, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Tweet{}, RateInfo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/2/tweets", strings.NewReader(string(payload)))
	if err != nil {
		return Tweet{}, RateInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return Tweet{}, RateInfo{}, err
	}
	defer drainAndClose(resp.Body)

	rate := parseRateHeaders(resp.Header)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Tweet{}, rate, &APIError{StatusCode: resp.StatusCode}
	}

	var body struct {
		Data Tweet `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Tweet{}, rate, fmt.Errorf("decode post response: %w", err)
	}
	return body.Data, rate, nil
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
func (c *TwitterClient) getJSON(ctx context.Context, accessToken, path string, out any) (RateInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
	if err != nil {
		return RateInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return RateInfo{}, err
	}
	defer drainAndClose(resp.Body)

	rate := parseRateHeaders(resp.Header)
	if resp.StatusCode != http.StatusOK {
		return rate, &APIError{StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rate, fmt.Errorf("decode response: %w", err)
	}
	return rate, nil
}

// httpContext pins the oauth2 machinery to this client's HTTP client so the
// transport timeout applies to token endpoint calls too.
func (c *TwitterClient) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func tokenSetFrom(tok *oauth2.Token) TokenSet {
	var scopes []string
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		scopes = strings.Fields(s)
	}
	return TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopes,
	}
}

// classifyGrantError maps token endpoint failures. An explicit invalid_grant
// means the stored refresh token is dead; everything else may be transient.
func classifyGrantError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %s", ErrInvalidGrant, re.ErrorCode)
		}
		return &APIError{StatusCode: re.Response.StatusCode}
	}
	return err
}

func parseRateHeaders(h http.Header) RateInfo {
	remainingRaw := h.Get(rateRemainingHeader)
	resetRaw := h.Get(rateResetHeader)
	if remainingRaw == "" || resetRaw == "" {
		return RateInfo{}
	}

	remaining, err := strconv.Atoi(remainingRaw)
	if err != nil {
		return RateInfo{}
	}
	resetUnix, err := strconv.ParseInt(resetRaw, 10, 64)
	if err != nil {
		return RateInfo{}
	}

	return RateInfo{
		Present:   true,
		Remaining: remaining,
		ResetAt:   time.Unix(resetUnix, 0),
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
