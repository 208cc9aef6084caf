package oidc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tendant/simple-rp/internal/metrics"
)

const (
	// maxResponseSize bounds every provider response body.
	maxResponseSize = 1 << 20

	// getMaxTries is the attempt budget for idempotent provider GETs.
	getMaxTries = 2

	defaultHTTPTimeout = 10 * time.Second
)

// Provider endpoint labels for logs and metrics.
const (
	endpointDiscovery = "discovery"
	endpointToken     = "token"
	endpointJWKS      = "jwks"
	endpointUserInfo  = "userinfo"
)

// statusError is a non-2xx provider response.
type statusError struct {
	StatusCode int
	Body       []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// providerHTTP performs outbound calls to the identity provider. Every
// attempt runs under its own timeout.
type providerHTTP struct {
	client   *http.Client
	timeout  time.Duration
	retryMin time.Duration
	logger   *slog.Logger
}

// get fetches url, retrying once on transport errors and 5xx responses.
func (p *providerHTTP) get(ctx context.Context, endpoint, url string, header http.Header) ([]byte, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.retryMin

	operation := func() ([]byte, error) {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("Accept", "application/json")

		body, err := p.do(ctx, endpoint, req)
		var se *statusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(getMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			p.logger.Warn("provider request failed, retrying",
				"endpoint", endpoint, "error", err, "retry_in", d)
		}),
	)
}

// postForm sends a form-encoded POST. It is never retried.
func (p *providerHTTP) postForm(ctx context.Context, endpoint, url string, form string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(form))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return p.do(ctx, endpoint, req)
}

// do sends one request and returns the body of a 2xx response or a
// *statusError carrying the body of any other response.
func (p *providerHTTP) do(ctx context.Context, endpoint string, req *http.Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		metrics.RecordProviderRequest(endpoint, 0, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	metrics.RecordProviderRequest(endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
