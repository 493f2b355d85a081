package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/inference"
	"github.com/repazoo/connect/internal/connect/platform"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/internal/connect/store/drivers/sqlite"
	"github.com/repazoo/connect/pkg/cryptox"
	"github.com/repazoo/connect/pkg/idx"
)

const testDomain = "dash.example.com"

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func newTestCipher(t *testing.T) *cryptox.Cipher {
	t.Helper()

	c, err := cryptox.NewCipher([]byte("test-master-secret-for-services"))
	require.NoError(t, err)
	return c
}

// fakePlatform scripts platform behavior per test via function fields.
// Unset fields mean the call is unexpected.
type fakePlatform struct {
	mu sync.Mutex

	authURLFn  func(state, challenge string) string
	exchangeFn func(code, verifier string) (platform.TokenSet, error)
	refreshFn  func(refreshToken string) (platform.TokenSet, error)
	revokeFn   func(accessToken string) error
	fetchMeFn  func(accessToken string) (domain.ExternalAccount, platform.RateInfo, error)
	mentionsFn func(accessToken, accountID string, maxResults int) ([]platform.Tweet, platform.RateInfo, error)
	postFn     func(accessToken, text string) (platform.Tweet, platform.RateInfo, error)

	exchangeCalls int
	refreshCalls  int
	revokeCalls   int
	mentionCalls  int
}

func (f *fakePlatform) AuthorizationURL(state, challenge string) string {
	if f.authURLFn != nil {
		return f.authURLFn(state, challenge)
	}
	return "https://provider.example.com/authorize?state=" + state
}

func (f *fakePlatform) Exchange(_ context.Context, code, verifier string) (platform.TokenSet, error) {
	f.mu.Lock()
	f.exchangeCalls++
	f.mu.Unlock()
	return f.exchangeFn(code, verifier)
}

func (f *fakePlatform) Refresh(_ context.Context, refreshToken string) (platform.TokenSet, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	return f.refreshFn(refreshToken)
}

func (f *fakePlatform) Revoke(_ context.Context, accessToken string) error {
	f.mu.Lock()
	f.revokeCalls++
	f.mu.Unlock()
	if f.revokeFn != nil {
		return f.revokeFn(accessToken)
	}
	return nil
}

func (f *fakePlatform) FetchMe(_ context.Context, accessToken string) (domain.ExternalAccount, platform.RateInfo, error) {
	return f.fetchMeFn(accessToken)
}

func (f *fakePlatform) FetchMentions(_ context.Context, accessToken, accountID string, maxResults int) ([]platform.Tweet, platform.RateInfo, error) {
	f.mu.Lock()
	f.mentionCalls++
	f.mu.Unlock()
	return f.mentionsFn(accessToken, accountID, maxResults)
}

func (f *fakePlatform) PostTweet(_ context.Context, accessToken, text string) (platform.Tweet, platform.RateInfo, error) {
	return f.postFn(accessToken, text)
}

func defaultTokenSet() platform.TokenSet {
	return platform.TokenSet{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		ExpiresAt:    time.Now().UTC().Add(2 * time.Hour),
		Scopes:       []string{"tweet.read", "users.read", "offline.access"},
	}
}

func defaultAccount() domain.ExternalAccount {
	return domain.ExternalAccount{ID: "acct-1", Handle: "repazoo", DisplayName: "Repa Zoo"}
}

type fakeSubscriptions struct {
	active bool
	err    error
	calls  int
}

func (f *fakeSubscriptions) HasActiveSubscription(context.Context, string) (bool, error) {
	f.calls++
	return f.active, f.err
}

type fakeInference struct {
	fn    func(prompt string) (inference.Analysis, error)
	calls int
}

func (f *fakeInference) Analyze(_ context.Context, prompt string) (inference.Analysis, error) {
	f.calls++
	return f.fn(prompt)
}

// fakeLimiter records calls and can be scripted to throttle.
type fakeLimiter struct {
	throttleErr error
	checks      []string
	syncs       []int
}

func (f *fakeLimiter) CheckAndIncrement(_ context.Context, ownerID, targetAPI string) error {
	f.checks = append(f.checks, targetAPI)
	return f.throttleErr
}

func (f *fakeLimiter) SyncFromProviderHeaders(_ context.Context, _, _ string, remaining int, _ time.Time) error {
	f.syncs = append(f.syncs, remaining)
	return nil
}

// seedCredential writes a usable credential directly to the store and
// returns it.
func seedCredential(t *testing.T, st store.Store, cipher *cryptox.Cipher, ownerID string, mutate func(*domain.Credential)) domain.Credential {
	t.Helper()

	accessCT, err := cipher.EncryptString("plain-access")
	require.NoError(t, err)
	refreshCT, err := cipher.EncryptString("plain-refresh")
	require.NoError(t, err)

	now := time.Now().UTC()
	cred := domain.Credential{
		ID:                idx.New().String(),
		OwnerID:           ownerID,
		ExternalAccountID: "acct-1",
		ExternalHandle:    "repazoo",
		TargetDomain:      testDomain,
		AccessTokenCT:     accessCT,
		RefreshTokenCT:    refreshCT,
		Scopes:            []string{"tweet.read", "users.read", "offline.access"},
		ExpiresAt:         now.Add(2 * time.Hour),
		ConsentGrantedAt:  now,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if mutate != nil {
		mutate(&cred)
	}

	id, err := st.Credentials().UpsertCredential(context.Background(), cred)
	require.NoError(t, err)
	cred.ID = id
	return cred
}

// lastAudit returns the newest audit record for an owner, failing if none.
func lastAudit(t *testing.T, st store.Store, ownerID string) domain.AuditRecord {
	t.Helper()

	recs, err := st.AuditRecords().ListAuditRecordsByOwner(context.Background(), ownerID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	return recs[0]
}
