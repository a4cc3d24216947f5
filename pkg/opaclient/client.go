// Package opaclient provides a client for the data API of an OPA-compatible
// policy service.
package opaclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client is a policy service API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	strict     bool
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithStrictBuiltinErrors makes every query request strict builtin error
// reporting, so misbehaving builtins surface as evaluation errors instead of
// undefined documents.
func WithStrictBuiltinErrors() Option {
	return func(c *Client) error {
		c.strict = true
		return nil
	}
}

// WithCAFile verifies TLS peers against the CA bundle in path. It only
// applies when the client's base URL uses the https scheme; for plain http
// the file is ignored.
func WithCAFile(path string) Option {
	return func(c *Client) error {
		if path == "" || !strings.HasPrefix(c.baseURL, "https://") {
			return nil
		}
		pool, err := LoadCertPool(path)
		if err != nil {
			return err
		}
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
		return nil
	}
}

// NewClient creates a new policy service client.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// QueryInput is the request body of a data API query.
type QueryInput struct {
	Input interface{} `json:"input"`
}

// QueryResult is the outcome of a data API query. Result holds the decoded
// top-level result field and stays nil when the queried document is
// undefined. Body keeps the raw response for failure diagnostics.
type QueryResult struct {
	StatusCode int
	Body       []byte
	Result     json.RawMessage
}

// Query evaluates the document at path and returns the result.
func (c *Client) Query(ctx context.Context, path string, input interface{}) (*QueryResult, error) {
	u := fmt.Sprintf("%s/v1/data/%s", c.baseURL, path)
	if path == "" {
		u = fmt.Sprintf("%s/v1/data", c.baseURL)
	}
	if c.strict {
		u += "?strict-builtin-errors=true"
	}

	body, err := json.Marshal(QueryInput{Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy service returned status %d: %s", resp.StatusCode, raw)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &QueryResult{
		StatusCode: resp.StatusCode,
		Body:       raw,
		Result:     envelope.Result,
	}, nil
}

// Health checks if the policy service is healthy.
func (c *Client) Health(ctx context.Context) error {
	u := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("policy service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// SplitDataURL splits a full data API URL into the service base URL and the
// query path, so https://host:8443/v1/data/test yields
// (https://host:8443, test).
func SplitDataURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	const marker = "/v1/data"
	idx := strings.Index(u.Path, marker)
	if idx == -1 {
		return "", "", fmt.Errorf("URL %q does not address the data API", raw)
	}

	path := strings.TrimPrefix(u.Path[idx+len(marker):], "/")

	base := *u
	base.Path = u.Path[:idx]
	base.RawQuery = ""
	base.Fragment = ""

	return strings.TrimSuffix(base.String(), "/"), path, nil
}

// LoadCertPool reads a PEM bundle into a certificate pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}

	return pool, nil
}

// NewHTTPClient returns an HTTP client that verifies TLS peers against the
// CA bundle in caFile. An empty caFile yields a plain client.
func NewHTTPClient(caFile string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}

	if caFile != "" {
		pool, err := LoadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}

	return client, nil
}
