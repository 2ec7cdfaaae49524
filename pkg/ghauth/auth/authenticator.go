package auth

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/telekom/ghauth/pkg/metrics"
)

const (
	FlowBrowser = "browser"
	FlowDevice  = "device"
	flowCached  = "cached"
)

type TokenValidator interface {
	IsValid(ctx context.Context, token string) bool
}

type OrgMembershipChecker interface {
	IsMember(ctx context.Context, token, org string) (bool, error)
}

// Flow obtains a fresh access token interactively.
type Flow interface {
	Login(ctx context.Context) (string, error)
}

// Authenticator reuses a cached credential when it is still valid and
// otherwise runs the browser or device flow. Concurrent Authenticate calls
// on the same Authenticator share one in-flight attempt.
type Authenticator struct {
	Config    OAuthConfig
	Store     CredentialStore
	Validator TokenValidator
	Orgs      OrgMembershipChecker
	Browser   Flow
	Device    Flow
	Getenv    Environ
	Clock     clock.PassiveClock
	Log       *zap.SugaredLogger

	group    singleflight.Group
	mu       sync.Mutex
	inflight *sharedAttempt
}

// sharedAttempt is the context of the flow shared by concurrent callers. It
// is cancelled only once every caller waiting on it has gone.
type sharedAttempt struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type Status struct {
	Cached    bool
	Valid     bool
	CreatedAt time.Time
}

// NewAuthenticator wires the GitHub-backed validator, org gate and both
// flows. prompt receives the user-facing instructions of the flows.
func NewAuthenticator(cfg OAuthConfig, store CredentialStore, prompt io.Writer, log *zap.SugaredLogger) (*Authenticator, error) {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	requester, err := NewRequester(cfg)
	if err != nil {
		return nil, err
	}
	api := &GitHubAPI{BaseURL: cfg.APIURL, Requester: requester, Log: log.Named("github")}
	return &Authenticator{
		Config:    cfg,
		Store:     store,
		Validator: api,
		Orgs:      api,
		Browser: &BrowserFlow{
			Config:    cfg,
			Requester: requester,
			Opener:    ExecOpener{},
			Prompt:    prompt,
			Log:       log.Named("browser"),
		},
		Device: &DeviceFlow{
			Config:    cfg,
			Requester: requester,
			Prompt:    prompt,
			Log:       log.Named("device"),
		},
		Log: log,
	}, nil
}

// Authenticate returns a valid token. A caller whose ctx ends stops waiting
// without aborting the attempt for the other callers.
func (a *Authenticator) Authenticate(ctx context.Context) (string, error) {
	attempt := a.join(ctx)
	defer a.leave(attempt)

	ch := a.group.DoChan("authenticate", func() (any, error) {
		defer a.finish(attempt)
		return a.authenticate(attempt.ctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (a *Authenticator) join(ctx context.Context) *sharedAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight == nil {
		actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.inflight = &sharedAttempt{ctx: actx, cancel: cancel}
	}
	a.inflight.waiters++
	return a.inflight
}

func (a *Authenticator) leave(attempt *sharedAttempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	attempt.waiters--
	if attempt.waiters > 0 {
		return
	}
	attempt.cancel()
	if a.inflight == attempt {
		a.inflight = nil
	}
}

// finish detaches a completed attempt so the next caller starts a new one.
func (a *Authenticator) finish(attempt *sharedAttempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight == attempt {
		a.inflight = nil
	}
}

func (a *Authenticator) authenticate(ctx context.Context) (string, error) {
	log := a.log().With("attempt", uuid.NewString())

	if cred, ok := a.Store.Load(); ok {
		if a.Validator.IsValid(ctx, cred.AccessToken) {
			metrics.AuthAttempts.WithLabelValues(flowCached, "success").Inc()
			log.Debugw("Reusing cached credential", "token", cred.Redact(), "createdAt", cred.CreatedAt)
			return cred.AccessToken, nil
		}
		log.Infow("Cached credential is no longer valid, re-authenticating")
	}

	if err := a.Config.Validate(); err != nil {
		metrics.AuthAttempts.WithLabelValues("none", "config_error").Inc()
		return "", err
	}

	name, flow := a.selectFlow()
	log = log.With("flow", name)
	log.Infow("Starting authentication")
	token, err := flow.Login(ctx)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues(name, "failure").Inc()
		return "", fmt.Errorf("%s login failed: %w", name, err)
	}

	if org := a.Config.RequiredOrg; org != "" {
		member, err := a.Orgs.IsMember(ctx, token, org)
		if err != nil {
			metrics.AuthAttempts.WithLabelValues(name, "unauthorized").Inc()
			return "", fmt.Errorf("%w: could not verify membership in organization %q: %w", ErrAuthorization, org, err)
		}
		if !member {
			metrics.AuthAttempts.WithLabelValues(name, "unauthorized").Inc()
			return "", fmt.Errorf("%w: authenticated user is not a member of organization %q", ErrAuthorization, org)
		}
	}

	cred := NewCredential(token, a.clock().Now())
	if err := a.Store.Save(cred); err != nil {
		log.Warnw("Failed to persist credential, it will only be used by this process", "error", err)
	}
	metrics.AuthAttempts.WithLabelValues(name, "success").Inc()
	log.Infow("Authenticated", "token", cred.Redact())
	return token, nil
}

func (a *Authenticator) selectFlow() (string, Flow) {
	if a.Config.Headless || a.Config.PreferDeviceFlow || DetectHeadless(a.Getenv) {
		return FlowDevice, a.Device
	}
	return FlowBrowser, a.Browser
}

// Logout removes the cached credential and reports whether one existed.
func (a *Authenticator) Logout() (bool, error) {
	return a.Store.Clear()
}

// Status inspects the cached credential without starting a flow.
func (a *Authenticator) Status(ctx context.Context) Status {
	cred, ok := a.Store.Load()
	if !ok {
		return Status{}
	}
	return Status{
		Cached:    true,
		Valid:     a.Validator.IsValid(ctx, cred.AccessToken),
		CreatedAt: cred.CreatedAt,
	}
}

func (a *Authenticator) clock() clock.PassiveClock {
	if a.Clock == nil {
		return clock.RealClock{}
	}
	return a.Clock
}

func (a *Authenticator) log() *zap.SugaredLogger {
	if a.Log == nil {
		return zap.NewNop().Sugar()
	}
	return a.Log
}
