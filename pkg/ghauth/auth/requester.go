package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/telekom/ghauth/pkg/version"
)

// Requester is the JSON-over-HTTP capability the flows depend on. Both
// methods decode the response body into out whatever the status code is, so
// callers can read OAuth error fields from 4xx replies. Transport failures
// are wrapped with ErrNetwork.
type Requester interface {
	PostJSON(ctx context.Context, endpoint string, body, out any) (int, error)
	GetJSON(ctx context.Context, endpoint, bearer string, out any) (int, error)
}

type RestyRequester struct {
	client *resty.Client
}

func NewRequester(cfg OAuthConfig) (*RestyRequester, error) {
	tlsConfig, err := loadTLSConfig(cfg.CAFile, cfg.InsecureSkipTLS)
	if err != nil {
		return nil, err
	}
	client := resty.New().
		SetTimeout(30*time.Second).
		SetTLSClientConfig(tlsConfig).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent())
	return &RestyRequester{client: client}, nil
}

func (r *RestyRequester) PostJSON(ctx context.Context, endpoint string, body, out any) (int, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return 0, fmt.Errorf("%w: POST %s: %w", ErrNetwork, endpoint, err)
	}
	return resp.StatusCode(), decodeBody(endpoint, resp.StatusCode(), resp.Body(), out)
}

func (r *RestyRequester) GetJSON(ctx context.Context, endpoint, bearer string, out any) (int, error) {
	req := r.client.R().SetContext(ctx)
	if bearer != "" {
		req.SetAuthToken(bearer)
	}
	resp, err := req.Get(endpoint)
	if err != nil {
		return 0, fmt.Errorf("%w: GET %s: %w", ErrNetwork, endpoint, err)
	}
	return resp.StatusCode(), decodeBody(endpoint, resp.StatusCode(), resp.Body(), out)
}

// decodeBody only reports a malformed body on 2xx replies. Error pages from
// proxies are left to the callers' status checks.
func decodeBody(endpoint string, status int, body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		if !isSuccess(status) {
			return nil
		}
		return fmt.Errorf("%w: malformed response from %s: %v", ErrProtocol, endpoint, err)
	}
	return nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func loadTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caFile == "" {
		return tlsConfig, nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(data); !ok {
		return nil, errors.New("failed to parse CA file")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
