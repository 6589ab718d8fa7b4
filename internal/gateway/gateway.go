// Package gateway wraps outgoing API calls: it attaches the session's bearer token and
// recovers once from an unauthorized response by refreshing the access token.
//
// Per request:
//
//	SENT -> OK
//	SENT -> UNAUTHORIZED(first) -> REFRESHING -> REPLAYED -> OK
//	                                          -> REFRESH_FAILED -> LOGGED_OUT
//	UNAUTHORIZED(second) -> PROPAGATED
//
// Concurrent unauthorized responses each run their own refresh; there is no
// single-flight de-duplication.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/metrics"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/session"
	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestIDHeader carries a per-request correlation ID, shared by the original send
// and its replay.
const RequestIDHeader = "X-Request-ID"

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// Navigator moves the user to another view.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

// Navigate calls f(path).
func (f NavigatorFunc) Navigate(path string) { f(path) }

// Client sends requests on behalf of the current session.
type Client struct {
	http         *http.Client
	base         *url.URL
	store        *session.Store
	refresher    Refresher
	nav          Navigator
	requiredRole model.Role
	maxRecover   int

	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithBaseURL resolves relative paths passed to GetJSON/PostJSON.
func WithBaseURL(u *url.URL) Option { return func(c *Client) { c.base = u } }

// WithNavigator sets where forced logouts redirect.
func WithNavigator(n Navigator) Option { return func(c *Client) { c.nav = n } }

// WithRequiredRole selects the login surface used after a failed refresh.
func WithRequiredRole(r model.Role) Option { return func(c *Client) { c.requiredRole = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics enables request counters.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option { return func(c *Client) { c.tracer = t } }

// New constructs a gateway over store using refresher for recovery.
func New(store *session.Store, refresher Refresher, opts ...Option) *Client {
	c := &Client{
		http:       http.DefaultClient,
		store:      store,
		refresher:  refresher,
		nav:        NavigatorFunc(func(string) {}),
		maxRecover: FirstAttempt().Max,
		log:        zap.NewNop(),
		tracer:     otel.Tracer("github.com/and161185/portal-session/internal/gateway"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends req with the current bearer token and applies the recovery protocol.
//
// A 401 on the replay is returned as-is. When the refresh itself fails the session
// is dropped, the navigator is sent to the login surface and the error wraps
// errs.ErrAuthInvalid.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := makeReplayable(req); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req, Attempt{N: 1, Max: c.maxRecover}, id.String())
}

func (c *Client) send(ctx context.Context, orig *http.Request, at Attempt, reqID string) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.send", trace.WithAttributes(
		attribute.String("http.method", orig.Method),
		attribute.String("http.path", orig.URL.Path),
		attribute.Int("gateway.attempt", at.N),
	))
	defer span.End()

	req, err := c.prepare(ctx, orig, reqID)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "transport")
		c.metrics.Request(metrics.OutcomeError)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusUnauthorized {
		if at.Retried() {
			c.metrics.Request(metrics.OutcomeReplayed)
		} else {
			c.metrics.Request(metrics.OutcomeOK)
		}
		return resp, nil
	}

	if !at.CanRecover() {
		c.log.Debug("unauthorized after recovery, propagating",
			zap.String("request_id", reqID), zap.String("path", orig.URL.Path))
		c.metrics.Request(metrics.OutcomePropagated)
		return resp, nil
	}

	// AuthExpired: drop this response, refresh, replay once.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if err := c.refresh(ctx); err != nil {
		span.SetStatus(otelcodes.Error, "refresh failed")
		c.forceLogout(ctx, err)
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthInvalid, err)
	}
	return c.send(ctx, orig, at.Next(), reqID)
}

// prepare clones orig for one send, with a fresh body and the current token.
func (c *Client) prepare(ctx context.Context, orig *http.Request, reqID string) (*http.Request, error) {
	req := orig.Clone(ctx)
	if orig.GetBody != nil {
		body, err := orig.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay body: %w", err)
		}
		req.Body = body
	}
	req.Header.Del("Authorization")
	if tok := c.store.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set(RequestIDHeader, reqID)
	return req, nil
}

// refresh runs one refresh call and stores the new access token. The call is bounded
// only by ctx.
func (c *Client) refresh(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "gateway.refresh")
	defer span.End()

	rt := c.store.RefreshToken()
	if rt == "" {
		c.metrics.Refresh(false)
		return errors.New("no refresh token")
	}
	tok, err := c.refresher.Refresh(ctx, rt)
	if err != nil {
		span.RecordError(err)
		c.metrics.Refresh(false)
		return err
	}
	c.store.SetAccessToken(ctx, tok)
	c.metrics.Refresh(true)
	return nil
}

func (c *Client) forceLogout(ctx context.Context, cause error) {
	path := c.requiredRole.LoginPath()
	c.log.Info("refresh failed, dropping session",
		zap.String("redirect", path), zap.Error(cause))
	c.store.Logout(ctx)
	c.metrics.ForcedLogout()
	c.metrics.Request(metrics.OutcomeLoggedOut)
	c.nav.Navigate(path)
}

// makeReplayable buffers a body that cannot be re-read so the replay can resend it.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
	return nil
}

// StatusError is a non-2xx response seen by the JSON helpers.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Code, e.Body)
}

// Is maps 401/403 onto the shared sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case errs.ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case errs.ErrForbidden:
		return e.Code == http.StatusForbidden
	case errs.ErrNotFound:
		return e.Code == http.StatusNotFound
	case errs.ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	}
	return false
}

// GetJSON fetches path and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON posts in as JSON and decodes the response into out (nil to ignore).
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	u, err := c.resolve(path)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if c.base == nil {
		return "", fmt.Errorf("relative path %q without base URL", path)
	}
	return c.base.ResolveReference(ref).String(), nil
}
