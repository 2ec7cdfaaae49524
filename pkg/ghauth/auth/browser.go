package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"
	"k8s.io/utils/clock"

	"github.com/telekom/ghauth/pkg/metrics"
	"github.com/telekom/ghauth/pkg/ratelimit"
)

// BrowserFlow implements the authorization code grant with a loopback
// callback listener that lives for a single attempt.
type BrowserFlow struct {
	Config    OAuthConfig
	Requester Requester
	Opener    BrowserOpener
	Clock     clock.Clock
	Prompt    io.Writer
	Log       *zap.SugaredLogger
}

type exchangeRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

type callbackResult struct {
	token string
	err   error
}

// callbackSession binds one CSRF state to one listener. The first terminal
// event claims the session; everything after it is ignored.
type callbackSession struct {
	ctx         context.Context
	flow        *BrowserFlow
	state       string
	verifier    string
	redirectURL string

	mu      sync.Mutex
	claimed bool
	done    chan callbackResult
}

func (s *callbackSession) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return false
	}
	s.claimed = true
	return true
}

func (s *callbackSession) handle(c *gin.Context) {
	if !s.claim() {
		metrics.CallbackRequests.WithLabelValues("ignored").Inc()
		renderPage(c, http.StatusGone, "Authentication already completed",
			"This login attempt has already finished. You can close this window.")
		return
	}
	token, err := s.process(c)
	s.done <- callbackResult{token: token, err: err}
}

func (s *callbackSession) process(c *gin.Context) (string, error) {
	if c.Query("state") != s.state {
		metrics.CallbackRequests.WithLabelValues("state_mismatch").Inc()
		renderPage(c, http.StatusBadRequest, "Authentication failed",
			"The callback state did not match this login attempt. Please start the login again.")
		return "", ErrStateMismatch
	}
	if providerErr := c.Query("error"); providerErr != "" {
		metrics.CallbackRequests.WithLabelValues("provider_error").Inc()
		oauthErr := newOAuthError(providerErr, c.Query("error_description"))
		renderPage(c, http.StatusBadRequest, "Authentication failed", oauthErr.Error())
		return "", oauthErr
	}
	code := c.Query("code")
	if code == "" {
		metrics.CallbackRequests.WithLabelValues("missing_code").Inc()
		renderPage(c, http.StatusBadRequest, "Authentication failed", "No authorization code was returned.")
		return "", ErrMissingCode
	}
	token, err := s.flow.exchange(s.ctx, code, s.verifier, s.redirectURL)
	if err != nil {
		metrics.CallbackRequests.WithLabelValues("exchange_error").Inc()
		renderPage(c, http.StatusBadGateway, "Authentication failed", err.Error())
		return "", err
	}
	metrics.CallbackRequests.WithLabelValues("success").Inc()
	renderPage(c, http.StatusOK, "Authentication complete", "You can close this window and return to the terminal.")
	return token, nil
}

func (f *BrowserFlow) Login(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.Config.CallbackPort))
	if err != nil {
		return "", fmt.Errorf("failed to start callback listener: %w", err)
	}
	redirectURL := fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath)

	state, err := randomToken(24)
	if err != nil {
		_ = listener.Close()
		return "", err
	}
	oauthCfg := oauth2.Config{
		ClientID:     f.Config.ClientID,
		ClientSecret: f.Config.ClientSecret,
		Endpoint:     f.Config.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       f.Config.Scopes,
	}
	verifier := oauth2.GenerateVerifier()
	authURL := oauthCfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	session := &callbackSession{
		ctx:         ctx,
		flow:        f,
		state:       state,
		verifier:    verifier,
		redirectURL: redirectURL,
		done:        make(chan callbackResult, 1),
	}
	server := &http.Server{
		Handler:           f.router(session),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		_ = server.Serve(listener)
	}()
	defer f.shutdown(server)

	timer := f.clock().NewTimer(f.Config.CallbackTimeout)
	defer timer.Stop()

	if f.Prompt != nil {
		_, _ = fmt.Fprintf(f.Prompt, "Open the following URL in your browser:\n%s\n", authURL)
	}
	f.log().Infow("Waiting for browser callback", "redirectURL", redirectURL, "authURL", authURL)
	if f.Opener != nil {
		if err := f.Opener.Open(authURL); err != nil {
			f.log().Warnw("Failed to open browser, continue with the printed URL", "error", err)
		}
	}

	select {
	case result := <-session.done:
		return result.token, result.err
	case <-timer.C():
		if session.claim() {
			return "", fmt.Errorf("%w: no browser callback within %s", ErrTimeout, f.Config.CallbackTimeout)
		}
	case <-ctx.Done():
		if session.claim() {
			return "", ctx.Err()
		}
	}
	// A callback claimed the session first; its outcome wins.
	result := <-session.done
	return result.token, result.err
}

func (f *BrowserFlow) router(session *callbackSession) http.Handler {
	engine := gin.New()
	logger := f.log().Desugar()
	engine.Use(
		ginzap.GinzapWithConfig(logger, &ginzap.Config{
			TimeFormat:   time.RFC3339,
			UTC:          true,
			DefaultLevel: zapcore.DebugLevel,
		}),
		ginzap.RecoveryWithZap(logger, false),
		ratelimit.New(ratelimit.DefaultCallbackConfig()).Middleware(func(*gin.Context) {
			metrics.CallbackRequests.WithLabelValues("rate_limited").Inc()
		}),
	)
	engine.GET(callbackPath, session.handle)
	return engine
}

func (f *BrowserFlow) exchange(ctx context.Context, code, verifier, redirectURL string) (string, error) {
	var payload tokenResponse
	status, err := f.Requester.PostJSON(ctx, f.Config.Endpoint.TokenURL, exchangeRequest{
		ClientID:     f.Config.ClientID,
		ClientSecret: f.Config.ClientSecret,
		Code:         code,
		RedirectURI:  redirectURL,
		CodeVerifier: verifier,
	}, &payload)
	if err != nil {
		return "", err
	}
	if payload.Error != "" {
		return "", newOAuthError(payload.Error, payload.ErrorDesc)
	}
	if !isSuccess(status) {
		return "", newOAuthError("exchange_failed", fmt.Sprintf("token endpoint returned status %d", status))
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("%w: token response carries no access token", ErrProtocol)
	}
	return payload.AccessToken, nil
}

func (f *BrowserFlow) shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = server.Close()
	}
}

func (f *BrowserFlow) clock() clock.Clock {
	if f.Clock == nil {
		return clock.RealClock{}
	}
	return f.Clock
}

func (f *BrowserFlow) log() *zap.SugaredLogger {
	if f.Log == nil {
		return zap.NewNop().Sugar()
	}
	return f.Log
}

const pageTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body><h1>%s</h1><p>%s</p></body></html>
`

func renderPage(c *gin.Context, status int, title, message string) {
	title = html.EscapeString(title)
	body := fmt.Sprintf(pageTemplate, title, title, html.EscapeString(message))
	c.Data(status, "text/html; charset=utf-8", []byte(body))
}

func randomToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
