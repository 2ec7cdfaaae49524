package auth

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	DefaultAPIURL          = "https://api.github.com"
	DefaultCallbackPort    = 8976
	DefaultCallbackTimeout = 5 * time.Minute
	callbackPath           = "/callback"
)

// DefaultScopes are requested when the configuration does not name any.
var DefaultScopes = []string{"read:org", "read:user"}

// OAuthConfig is built once at startup and handed to every component by value.
type OAuthConfig struct {
	ClientID         string
	ClientSecret     string
	RequiredOrg      string
	Endpoint         oauth2.Endpoint
	APIURL           string
	Scopes           []string
	CallbackPort     int
	CallbackTimeout  time.Duration
	PreferDeviceFlow bool
	Headless         bool
	CAFile           string
	InsecureSkipTLS  bool
}

// DefaultOAuthConfig returns a configuration pointing at github.com with an
// empty client id.
func DefaultOAuthConfig() OAuthConfig {
	return OAuthConfig{
		Endpoint:        github.Endpoint,
		APIURL:          DefaultAPIURL,
		Scopes:          append([]string(nil), DefaultScopes...),
		CallbackPort:    DefaultCallbackPort,
		CallbackTimeout: DefaultCallbackTimeout,
	}
}

// WithDefaults fills every unset field from DefaultOAuthConfig.
func (c OAuthConfig) WithDefaults() OAuthConfig {
	def := DefaultOAuthConfig()
	if c.Endpoint.AuthURL == "" {
		c.Endpoint.AuthURL = def.Endpoint.AuthURL
	}
	if c.Endpoint.TokenURL == "" {
		c.Endpoint.TokenURL = def.Endpoint.TokenURL
	}
	if c.Endpoint.DeviceAuthURL == "" {
		c.Endpoint.DeviceAuthURL = def.Endpoint.DeviceAuthURL
	}
	if c.APIURL == "" {
		c.APIURL = def.APIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if len(c.Scopes) == 0 {
		c.Scopes = def.Scopes
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = def.CallbackTimeout
	}
	return c
}

// Validate must pass before any flow starts.
func (c OAuthConfig) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: GitHub OAuth client id is not set; export GHAUTH_CLIENT_ID "+
			"(and GHAUTH_CLIENT_SECRET for the browser flow) or set client-id in the config file", ErrConfiguration)
	}
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("%w: invalid callback port %d", ErrConfiguration, c.CallbackPort)
	}
	return nil
}

func (c OAuthConfig) scopeString() string {
	return strings.Join(c.Scopes, " ")
}
