package auth

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/ghauth/pkg/system"
)

type fakeFlow struct {
	token     string
	err       error
	calls     int32
	cancelled int32
	release   chan struct{}
}

func (f *fakeFlow) Login(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			atomic.AddInt32(&f.cancelled, 1)
			return "", ctx.Err()
		}
	}
	return f.token, f.err
}

func (a *Authenticator) waiters() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight == nil {
		return 0
	}
	return a.inflight.waiters
}

type fakeValidator struct {
	valid map[string]bool
	calls int32
}

func (v *fakeValidator) IsValid(_ context.Context, token string) bool {
	atomic.AddInt32(&v.calls, 1)
	return v.valid[token]
}

type fakeOrgs struct {
	orgs  []string
	err   error
	calls int32
}

func (o *fakeOrgs) IsMember(_ context.Context, _ string, org string) (bool, error) {
	atomic.AddInt32(&o.calls, 1)
	if o.err != nil {
		return false, o.err
	}
	for _, name := range o.orgs {
		if name == org {
			return true, nil
		}
	}
	return false, nil
}

type memoryStore struct {
	mu      sync.Mutex
	cred    *Credential
	saveErr error
	saves   int
}

func (s *memoryStore) Load() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

func (s *memoryStore) Save(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.cred = &c
	return nil
}

func (s *memoryStore) Clear() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.cred != nil
	s.cred = nil
	return had, nil
}

func displayEnv(key string) string {
	if key == "DISPLAY" {
		return ":0"
	}
	return ""
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *memoryStore, *fakeFlow, *fakeFlow, *fakeValidator, *fakeOrgs) {
	t.Helper()
	cfg := DefaultOAuthConfig()
	cfg.ClientID = "ghauth-test"
	store := &memoryStore{}
	browser := &fakeFlow{token: "gho_browser"}
	device := &fakeFlow{token: "gho_device"}
	validator := &fakeValidator{valid: map[string]bool{}}
	orgs := &fakeOrgs{}
	a := &Authenticator{
		Config:    cfg,
		Store:     store,
		Validator: validator,
		Orgs:      orgs,
		Browser:   browser,
		Device:    device,
		Getenv:    displayEnv,
		Log:       system.NewTestLogger(t),
	}
	return a, store, browser, device, validator, orgs
}

func TestAuthenticate_MissingClientID(t *testing.T) {
	a, store, browser, device, validator, orgs := newTestAuthenticator(t)
	a.Config.ClientID = ""

	_, err := a.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "GHAUTH_CLIENT_ID")
	assert.Zero(t, browser.calls)
	assert.Zero(t, device.calls)
	assert.Zero(t, validator.calls)
	assert.Zero(t, orgs.calls)
	assert.Zero(t, store.saves)
}

func TestAuthenticate_CachedCredentialShortCircuits(t *testing.T) {
	a, store, browser, device, validator, _ := newTestAuthenticator(t)
	cached := NewCredential("gho_cached", time.Now())
	store.cred = &cached
	validator.valid["gho_cached"] = true

	token, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gho_cached", token)
	assert.Zero(t, browser.calls)
	assert.Zero(t, device.calls)
	assert.Zero(t, store.saves)
}

func TestAuthenticate_InvalidCacheRunsFlow(t *testing.T) {
	a, store, browser, _, validator, _ := newTestAuthenticator(t)
	stale := NewCredential("gho_stale", time.Now())
	store.cred = &stale

	token, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gho_browser", token)
	assert.Equal(t, int32(1), browser.calls)
	assert.Equal(t, int32(1), validator.calls)

	saved, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, "gho_browser", saved.AccessToken)
}

func TestAuthenticate_FlowSelection(t *testing.T) {
	t.Run("display present uses browser", func(t *testing.T) {
		a, _, browser, device, _, _ := newTestAuthenticator(t)
		token, err := a.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "gho_browser", token)
		assert.Equal(t, int32(1), browser.calls)
		assert.Zero(t, device.calls)
	})

	t.Run("ssh session uses device", func(t *testing.T) {
		a, _, browser, device, _, _ := newTestAuthenticator(t)
		a.Getenv = func(key string) string {
			if key == "SSH_CONNECTION" {
				return "10.0.0.1 22 10.0.0.2 50000"
			}
			return displayEnv(key)
		}
		token, err := a.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "gho_device", token)
		assert.Zero(t, browser.calls)
		assert.Equal(t, int32(1), device.calls)
	})

	t.Run("configured preference uses device", func(t *testing.T) {
		a, _, _, device, _, _ := newTestAuthenticator(t)
		a.Config.PreferDeviceFlow = true
		_, err := a.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), device.calls)
	})

	t.Run("headless override uses device", func(t *testing.T) {
		a, _, _, device, _, _ := newTestAuthenticator(t)
		a.Config.Headless = true
		_, err := a.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), device.calls)
	})
}

func TestAuthenticate_FlowErrorPersistsNothing(t *testing.T) {
	a, store, browser, _, _, _ := newTestAuthenticator(t)
	browser.err = ErrTimeout
	browser.token = ""

	_, err := a.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "browser login failed")
	assert.Zero(t, store.saves)
}

func TestAuthenticate_OrgGate(t *testing.T) {
	t.Run("member", func(t *testing.T) {
		a, store, _, _, _, orgs := newTestAuthenticator(t)
		a.Config.RequiredOrg = "telekom"
		orgs.orgs = []string{"telekom"}

		_, err := a.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, store.saves)
	})

	t.Run("not a member", func(t *testing.T) {
		a, store, _, _, _, orgs := newTestAuthenticator(t)
		a.Config.RequiredOrg = "telekom"
		orgs.orgs = []string{"Telekom", "other"}

		_, err := a.Authenticate(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAuthorization))
		assert.Contains(t, err.Error(), `"telekom"`)
		assert.Zero(t, store.saves)
	})

	t.Run("lookup failure is fail-closed", func(t *testing.T) {
		a, store, _, _, _, orgs := newTestAuthenticator(t)
		a.Config.RequiredOrg = "telekom"
		orgs.err = ErrNetwork

		_, err := a.Authenticate(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAuthorization))
		assert.Zero(t, store.saves)
	})

	t.Run("no org configured skips the gate", func(t *testing.T) {
		a, _, _, _, _, orgs := newTestAuthenticator(t)

		_, err := a.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Zero(t, orgs.calls)
	})
}

func TestAuthenticate_PersistenceFailureIsAWarning(t *testing.T) {
	a, store, _, _, _, _ := newTestAuthenticator(t)
	store.saveErr = errors.New("disk full")

	token, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gho_browser", token)
	assert.Equal(t, 1, store.saves)
}

func TestAuthenticate_ConcurrentCallsShareOneAttempt(t *testing.T) {
	a, _, browser, _, _, _ := newTestAuthenticator(t)
	browser.release = make(chan struct{})

	var wg sync.WaitGroup
	tokens := make([]string, 2)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := a.Authenticate(context.Background())
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&browser.calls) == 1 }, 5*time.Second, 10*time.Millisecond)
	// Give the second caller time to join the in-flight attempt.
	time.Sleep(100 * time.Millisecond)
	close(browser.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&browser.calls))
	assert.Equal(t, []string{"gho_browser", "gho_browser"}, tokens)
}

func TestAuthenticate_CancelledCallerDoesNotAbortOthers(t *testing.T) {
	a, store, browser, _, _, _ := newTestAuthenticator(t)
	browser.release = make(chan struct{})

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(ctxA)
		errA <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&browser.calls) == 1 }, 5*time.Second, 10*time.Millisecond)

	type result struct {
		token string
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		token, err := a.Authenticate(context.Background())
		resB <- result{token, err}
	}()
	require.Eventually(t, func() bool { return a.waiters() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&browser.cancelled), "flow must keep running for the remaining caller")

	close(browser.release)
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		assert.Equal(t, "gho_browser", res.token)
	case <-time.After(5 * time.Second):
		t.Fatal("remaining caller did not get a result")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&browser.calls))
	assert.Equal(t, 1, store.saves)
}

func TestAuthenticate_LastCallerLeavingCancelsFlow(t *testing.T) {
	a, store, browser, _, _, _ := newTestAuthenticator(t)
	browser.release = make(chan struct{})
	defer close(browser.release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&browser.calls) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("caller did not return after cancellation")
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&browser.cancelled) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, store.saves)
	assert.Equal(t, 0, a.waiters())
}

func TestLogout(t *testing.T) {
	a, store, _, _, _, _ := newTestAuthenticator(t)
	cached := NewCredential("gho_cached", time.Now())
	store.cred = &cached

	cleared, err := a.Logout()
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = a.Logout()
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestStatus(t *testing.T) {
	a, store, _, _, validator, _ := newTestAuthenticator(t)
	assert.Equal(t, Status{}, a.Status(context.Background()))

	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	store.cred = &Credential{AccessToken: "gho_cached", CreatedAt: created}
	st := a.Status(context.Background())
	assert.True(t, st.Cached)
	assert.False(t, st.Valid)
	assert.Equal(t, created, st.CreatedAt)

	validator.valid["gho_cached"] = true
	assert.True(t, a.Status(context.Background()).Valid)
}

// End-to-end: device flow against a fake authorization server, with the
// first two polls pending.
func TestAuthenticate_DeviceFlowEndToEnd(t *testing.T) {
	ds := newDeviceServer(t, 5, 900, pending, pending, granted)
	cfg := ds.config()
	cfg.Headless = true
	flow, _, sleeps := newTestDeviceFlow(t, cfg)
	store := &FileStore{Path: filepath.Join(t.TempDir(), "credentials.json")}

	a := &Authenticator{
		Config:    cfg,
		Store:     store,
		Validator: &fakeValidator{},
		Orgs:      &fakeOrgs{},
		Browser:   &fakeFlow{err: errors.New("browser flow must not run")},
		Device:    flow,
		Log:       system.NewTestLogger(t),
	}

	token, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gho_device", token)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sleeps.durations)

	saved, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, "gho_device", saved.AccessToken)
}

// End-to-end: browser flow whose callback carries a forged state.
func TestAuthenticate_BrowserStateMismatchEndToEnd(t *testing.T) {
	ts := newTokenServer(t, grantToken("gho_browser"))
	cfg := browserConfig(ts.URL)
	store := &FileStore{Path: filepath.Join(t.TempDir(), "credentials.json")}
	browser := &BrowserFlow{Config: cfg, Requester: mustRequester(t), Log: system.NewTestLogger(t)}
	urls := make(chan string, 1)
	browser.Opener = OpenerFunc(func(u string) error {
		urls <- u
		return nil
	})

	a := &Authenticator{
		Config:    cfg,
		Store:     store,
		Validator: &fakeValidator{},
		Orgs:      &fakeOrgs{},
		Browser:   browser,
		Device:    &fakeFlow{err: errors.New("device flow must not run")},
		Getenv:    displayEnv,
		Log:       system.NewTestLogger(t),
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(context.Background())
		errCh <- err
	}()

	authURL, err := url.Parse(<-urls)
	require.NoError(t, err)
	status, body := callback(t, authURL, url.Values{"code": {"code-1"}, "state": {"not-the-state"}})
	assert.Equal(t, 400, status)
	assert.Contains(t, body, "Authentication failed")

	err = <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateMismatch))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ts.calls))
	_, statErr := os.Stat(store.Path)
	assert.True(t, os.IsNotExist(statErr), "no credential may be written")
}

func TestNewAuthenticatorWiresGitHubAPI(t *testing.T) {
	cfg := OAuthConfig{ClientID: "ghauth-test", APIURL: "https://ghe.example/api/v3/"}
	a, err := NewAuthenticator(cfg, &memoryStore{}, nil, nil)
	require.NoError(t, err)

	api, ok := a.Validator.(*GitHubAPI)
	require.True(t, ok)
	assert.Equal(t, "https://ghe.example/api/v3", api.BaseURL)
	assert.Same(t, api, a.Orgs)
	assert.Equal(t, DefaultScopes, a.Config.Scopes)
	assert.IsType(t, &BrowserFlow{}, a.Browser)
	assert.IsType(t, &DeviceFlow{}, a.Device)
}

func TestNewAuthenticatorRejectsBadCAFile(t *testing.T) {
	_, err := NewAuthenticator(OAuthConfig{CAFile: "/nonexistent/ca.pem"}, &memoryStore{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA file")
}
