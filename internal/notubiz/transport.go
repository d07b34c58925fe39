// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package notubiz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

var (
	// ErrTransport wraps network, status and decode failures.
	ErrTransport = errors.New("notubiz transport failure")
	// ErrNotFound is returned when NotuBiz has no such record.
	ErrNotFound = errors.New("not found upstream")
	// ErrScopeMismatch is returned when a fetched record belongs to another
	// organisation than the one requested.
	ErrScopeMismatch = errors.New("record outside configured scope")
	// ErrPartialFetch is returned by FetchBatch when pagination stopped early.
	// The records fetched so far are returned alongside it.
	ErrPartialFetch = errors.New("partial fetch")
)

// StatusError is an unexpected HTTP status from NotuBiz.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Transport performs a GET against the NotuBiz API and returns the body.
type Transport interface {
	Get(ctx context.Context, path string, query url.Values) ([]byte, error)
}

// HTTPTransport is the Transport used against the live API.
type HTTPTransport struct {
	baseURL *url.URL
	client  *http.Client
	limiter *rate.Limiter
	maxBody int64
}

// DefaultMaxBodySize caps the size of a single response body.
const DefaultMaxBodySize = 64 << 20

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithMaxBodySize caps the size of a response body. Larger responses fail
// with ErrTransport.
func WithMaxBodySize(n int64) TransportOption {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxBody = n
		}
	}
}

// WithRateLimit caps the request rate. A zero limit disables limiting.
func WithRateLimit(limit rate.Limit, burst int) TransportOption {
	return func(t *HTTPTransport) {
		if limit <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithClientCredentials authenticates requests with an OAuth2
// client-credentials token.
func WithClientCredentials(ctx context.Context, cfg clientcredentials.Config, timeout time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		t.client = cfg.Client(ctx)
		t.client.Timeout = timeout
	}
}

// NewHTTPTransport creates a transport for the API rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid notubiz base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid notubiz base url %q", baseURL)
	}
	t := &HTTPTransport{
		baseURL: u,
		client:  &http.Client{Timeout: 30 * time.Second},
		maxBody: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Get implements Transport.
func (t *HTTPTransport) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	u := t.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}
	if int64(len(body)) > t.maxBody {
		return nil, fmt.Errorf("%w: response body of %s exceeds %d bytes", ErrTransport, u.Path, t.maxBody)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, &StatusError{StatusCode: resp.StatusCode, Body: truncate(body)})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %w", ErrTransport, &StatusError{StatusCode: resp.StatusCode, Body: truncate(body)})
	}
	return body, nil
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
