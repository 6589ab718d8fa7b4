// Package demo calls the public demo surface, which is keyed by an API key and
// rate-limited per browser fingerprint. It never carries a session.
package demo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/portal-session/internal/errs"
)

// Header names consumed by the remote limiter.
const (
	APIKeyHeader      = "X-API-Key"
	FingerprintHeader = "X-Browser-Fingerprint"
)

// Hasher yields the current fingerprint hash.
type Hasher interface {
	Hash() string
}

// Client issues demo requests.
type Client struct {
	baseURL string
	apiKey  string
	fp      Hasher
	http    *http.Client
}

// New returns a demo client. fp is consulted on every request, so a generator
// that finishes phase 2 later changes the header of subsequent calls.
func New(baseURL, apiKey string, fp Hasher) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		fp:      fp,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Get fetches path and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(APIKeyHeader, c.apiKey)
	if c.fp != nil {
		req.Header.Set(FingerprintHeader, c.fp.Hash())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read demo response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: retry after %s", errs.ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: demo api key rejected", errs.ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("demo status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
