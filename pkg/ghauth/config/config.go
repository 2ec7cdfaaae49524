package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v2"

	"github.com/telekom/ghauth/pkg/ghauth/auth"
)

const (
	EnvPrefix = "GHAUTH"

	TokenStorageFile     = "file"
	TokenStorageKeychain = "keychain"
)

// Config is the on-disk and environment form of the settings. Every key can
// be set through GHAUTH_<KEY> with dashes turned into underscores.
type Config struct {
	ClientID        string   `mapstructure:"client-id" yaml:"client-id,omitempty"`
	ClientSecret    string   `mapstructure:"client-secret" yaml:"client-secret,omitempty"`
	RequiredOrg     string   `mapstructure:"required-org" yaml:"required-org,omitempty"`
	Scopes          []string `mapstructure:"scopes" yaml:"scopes,omitempty"`
	CallbackPort    int      `mapstructure:"callback-port" yaml:"callback-port,omitempty"`
	CallbackTimeout string   `mapstructure:"callback-timeout" yaml:"callback-timeout,omitempty"`
	DeviceFlow      bool     `mapstructure:"device-flow" yaml:"device-flow,omitempty"`
	Headless        bool     `mapstructure:"headless" yaml:"headless,omitempty"`
	TokenStorage    string   `mapstructure:"token-storage" yaml:"token-storage,omitempty"`
	AuthorizeURL    string   `mapstructure:"authorize-url" yaml:"authorize-url,omitempty"`
	TokenURL        string   `mapstructure:"token-url" yaml:"token-url,omitempty"`
	DeviceCodeURL   string   `mapstructure:"device-code-url" yaml:"device-code-url,omitempty"`
	APIURL          string   `mapstructure:"api-url" yaml:"api-url,omitempty"`
	CAFile          string   `mapstructure:"ca-file" yaml:"ca-file,omitempty"`
	InsecureSkipTLS bool     `mapstructure:"insecure-skip-tls-verify" yaml:"insecure-skip-tls-verify,omitempty"`
	LogLevel        string   `mapstructure:"log-level" yaml:"log-level,omitempty"`
}

var keys = []string{
	"client-id", "client-secret", "required-org", "scopes", "callback-port",
	"callback-timeout", "device-flow", "headless", "token-storage",
	"authorize-url", "token-url", "device-code-url", "api-url", "ca-file",
	"insecure-skip-tls-verify", "log-level",
}

func DefaultConfig() Config {
	return Config{
		Scopes:          append([]string(nil), auth.DefaultScopes...),
		CallbackPort:    auth.DefaultCallbackPort,
		CallbackTimeout: auth.DefaultCallbackTimeout.String(),
		TokenStorage:    TokenStorageFile,
		APIURL:          auth.DefaultAPIURL,
	}
}

// Load layers defaults, the optional YAML file at path and GHAUTH_*
// environment variables, in increasing priority. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("scopes", def.Scopes)
	v.SetDefault("callback-port", def.CallbackPort)
	v.SetDefault("callback-timeout", def.CallbackTimeout)
	v.SetDefault("token-storage", def.TokenStorage)
	v.SetDefault("api-url", def.APIURL)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg as YAML, readable only by the owner since it may hold the
// client secret.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	content, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, content, 0o600)
}

// Render returns the YAML form of cfg with the client secret masked.
func Render(cfg Config) ([]byte, error) {
	if cfg.ClientSecret != "" {
		cfg.ClientSecret = "********"
	}
	return yaml.Marshal(cfg)
}

func (c *Config) Validate() error {
	switch c.TokenStorage {
	case "", TokenStorageFile, TokenStorageKeychain:
	default:
		return fmt.Errorf("%w: unsupported token storage %q (use %s or %s)",
			auth.ErrConfiguration, c.TokenStorage, TokenStorageFile, TokenStorageKeychain)
	}
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("%w: invalid callback port %d", auth.ErrConfiguration, c.CallbackPort)
	}
	if _, err := c.callbackTimeout(); err != nil {
		return err
	}
	return nil
}

func (c *Config) callbackTimeout() (time.Duration, error) {
	if c.CallbackTimeout == "" {
		return auth.DefaultCallbackTimeout, nil
	}
	d, err := time.ParseDuration(c.CallbackTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid callback timeout %q", auth.ErrConfiguration, c.CallbackTimeout)
	}
	return d, nil
}

// OAuth builds the immutable configuration handed to the auth package.
func (c *Config) OAuth() (auth.OAuthConfig, error) {
	timeout, err := c.callbackTimeout()
	if err != nil {
		return auth.OAuthConfig{}, err
	}
	scopes := make([]string, 0, len(c.Scopes))
	for _, s := range c.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return auth.OAuthConfig{
		ClientID:     strings.TrimSpace(c.ClientID),
		ClientSecret: c.ClientSecret,
		RequiredOrg:  strings.TrimSpace(c.RequiredOrg),
		Endpoint: oauth2.Endpoint{
			AuthURL:       c.AuthorizeURL,
			TokenURL:      c.TokenURL,
			DeviceAuthURL: c.DeviceCodeURL,
		},
		APIURL:           c.APIURL,
		Scopes:           scopes,
		CallbackPort:     c.CallbackPort,
		CallbackTimeout:  timeout,
		PreferDeviceFlow: c.DeviceFlow,
		Headless:         c.Headless,
		CAFile:           c.CAFile,
		InsecureSkipTLS:  c.InsecureSkipTLS,
	}.WithDefaults(), nil
}

// CredentialStore returns the backend selected by token-storage.
func (c *Config) CredentialStore(path string) auth.CredentialStore {
	if c.TokenStorage == TokenStorageKeychain {
		return auth.NewKeyringStore()
	}
	return &auth.FileStore{Path: path}
}
