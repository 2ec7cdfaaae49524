package auth

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/ghauth/pkg/metrics"
)

const (
	deviceGrantType       = "urn:ietf:params:oauth:grant-type:device_code"
	defaultDeviceInterval = 5 * time.Second
	slowDownIncrement     = 5 * time.Second
)

// DeviceCodeSession lives for exactly one polling loop and is never persisted.
type DeviceCodeSession struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresAt       time.Time
}

type deviceCodeRequest struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Error           string `json:"error,omitempty"`
	ErrorDesc       string `json:"error_description,omitempty"`
}

type deviceTokenRequest struct {
	ClientID   string `json:"client_id"`
	DeviceCode string `json:"device_code"`
	GrantType  string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	Scope       string `json:"scope,omitempty"`
	Interval    int    `json:"interval,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorDesc   string `json:"error_description,omitempty"`
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// DeviceFlow implements the OAuth device authorization grant. Clock and
// Sleep are injectable so tests can run the polling loop without waiting.
type DeviceFlow struct {
	Config    OAuthConfig
	Requester Requester
	Clock     clock.Clock
	Sleep     SleepFunc
	Prompt    io.Writer
	Log       *zap.SugaredLogger
}

func (f *DeviceFlow) Login(ctx context.Context) (string, error) {
	session, err := f.RequestCode(ctx)
	if err != nil {
		return "", err
	}
	return f.Poll(ctx, session)
}

func (f *DeviceFlow) RequestCode(ctx context.Context) (*DeviceCodeSession, error) {
	var payload deviceCodeResponse
	status, err := f.Requester.PostJSON(ctx, f.Config.Endpoint.DeviceAuthURL, deviceCodeRequest{
		ClientID: f.Config.ClientID,
		Scope:    f.Config.scopeString(),
	}, &payload)
	if err != nil {
		return nil, err
	}
	if payload.Error != "" {
		return nil, newOAuthError(payload.Error, payload.ErrorDesc)
	}
	if !isSuccess(status) {
		return nil, fmt.Errorf("%w: device authorization returned status %d", ErrNetwork, status)
	}
	if payload.DeviceCode == "" || payload.UserCode == "" {
		return nil, fmt.Errorf("%w: device authorization response is missing codes", ErrProtocol)
	}
	interval := time.Duration(payload.Interval) * time.Second
	if interval <= 0 {
		interval = defaultDeviceInterval
	}
	return &DeviceCodeSession{
		DeviceCode:      payload.DeviceCode,
		UserCode:        payload.UserCode,
		VerificationURI: payload.VerificationURI,
		Interval:        interval,
		ExpiresAt:       f.clock().Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// Poll surfaces the user code and polls the token endpoint until the user
// authorizes, denies, or the session expires.
func (f *DeviceFlow) Poll(ctx context.Context, session *DeviceCodeSession) (string, error) {
	if f.Prompt != nil {
		_, _ = fmt.Fprintf(f.Prompt, "Visit %s and enter code: %s\n", session.VerificationURI, session.UserCode)
	}
	f.log().Infow("Waiting for device authorization", "verificationURI", session.VerificationURI, "userCode", session.UserCode)

	interval := session.Interval
	for {
		if !f.clock().Now().Before(session.ExpiresAt) {
			metrics.DevicePolls.WithLabelValues("expired").Inc()
			return "", fmt.Errorf("%w: device code expired before authorization", ErrTimeout)
		}
		resp, err := f.pollToken(ctx, session.DeviceCode)
		if err != nil {
			metrics.DevicePolls.WithLabelValues("error").Inc()
			return "", err
		}
		switch {
		case resp.AccessToken != "":
			metrics.DevicePolls.WithLabelValues("authorized").Inc()
			return resp.AccessToken, nil
		case resp.Error == "authorization_pending":
			metrics.DevicePolls.WithLabelValues("pending").Inc()
		case resp.Error == "slow_down":
			metrics.DevicePolls.WithLabelValues("slow_down").Inc()
			interval += slowDownIncrement
			if suggested := time.Duration(resp.Interval) * time.Second; suggested > interval {
				interval = suggested
			}
			f.log().Debugw("Authorization server asked to slow down", "interval", interval)
		default:
			metrics.DevicePolls.WithLabelValues("denied").Inc()
			return "", newOAuthError(resp.Error, resp.ErrorDesc)
		}
		if err := f.sleep(ctx, interval); err != nil {
			return "", err
		}
	}
}

func (f *DeviceFlow) pollToken(ctx context.Context, deviceCode string) (*tokenResponse, error) {
	var payload tokenResponse
	status, err := f.Requester.PostJSON(ctx, f.Config.Endpoint.TokenURL, deviceTokenRequest{
		ClientID:   f.Config.ClientID,
		DeviceCode: deviceCode,
		GrantType:  deviceGrantType,
	}, &payload)
	if err != nil {
		return nil, err
	}
	if payload.AccessToken == "" && payload.Error == "" {
		if !isSuccess(status) {
			return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrNetwork, status)
		}
		return nil, fmt.Errorf("%w: token response carries neither token nor error", ErrProtocol)
	}
	return &payload, nil
}

func (f *DeviceFlow) clock() clock.Clock {
	if f.Clock == nil {
		return clock.RealClock{}
	}
	return f.Clock
}

func (f *DeviceFlow) sleep(ctx context.Context, d time.Duration) error {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	return clockSleep(f.clock())(ctx, d)
}

func (f *DeviceFlow) log() *zap.SugaredLogger {
	if f.Log == nil {
		return zap.NewNop().Sugar()
	}
	return f.Log
}

// clockSleep returns a SleepFunc driven by clk that honours cancellation.
func clockSleep(clk clock.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		timer := clk.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
			return nil
		}
	}
}
