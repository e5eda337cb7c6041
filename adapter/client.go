package nimbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const apiPrefix = "/api/v1"

// NimbusClient is the REST client for the Nimbus device-control API. It
// pulls bearer tokens from a TokenProvider and recovers from a rejected
// token by refreshing the session and replaying the request once.
type NimbusClient struct {
	auth       TokenProvider
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewNimbusClient creates a REST client backed by the given session.
func NewNimbusClient(auth TokenProvider, cfg Config, opts ...ClientOption) *NimbusClient {
	cfg = cfg.withDefaults()

	nc := &NimbusClient{
		auth:    auth,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: defaultLogger(cfg),
	}

	for _, opt := range opts {
		opt(nc)
	}

	return nc
}

// doRequest sends an authenticated request. On a 401 it invalidates the
// session, refreshes the token and replays the request exactly once. A
// second 401 means the stored credentials are no longer accepted upstream.
// Concurrent requests hitting 401 at the same time share a single refresh
// through the auth client.
func (nc *NimbusClient) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	resp, err := nc.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp.Body.Close()
	nc.logger.Debug("token rejected, refreshing session",
		"function", "doRequest",
		"method", method,
		"path", path)

	nc.auth.Invalidate()
	if _, err := nc.auth.Refresh(ctx); err != nil {
		return nil, err
	}

	resp, err = nc.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: token rejected after refresh", ErrInvalidCredentials)
	}
	return resp, nil
}

// send performs a single attempt. The body is kept as a byte slice by the
// callers so doRequest can replay it after a refresh.
func (nc *NimbusClient) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if nc.limiter != nil {
		if err := nc.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	token, err := nc.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, nc.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := nc.httpClient.Do(req)
	if err != nil {
		return nil, &UnreachableError{Cause: err}
	}
	return resp, nil
}

// handleErrorResponse drains a non-success response and maps it onto the
// adapter's error taxonomy.
func (nc *NimbusClient) handleErrorResponse(resp *http.Response, function string) error {
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		raw = nil
	}

	err := statusError(resp, raw)
	nc.logger.Warn("API request failed",
		"function", function,
		"status", resp.StatusCode,
		"error", err)
	return err
}

// statusError classifies an upstream status code so callers can branch with
// errors.Is against the sentinel set.
func statusError(resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidCredentials, resp.StatusCode)
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfterHint(resp)}
	default:
		msg := strings.TrimSpace(string(body))
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Message != "" {
			msg = er.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// retryAfterHint parses the Retry-After header as a second count. Zero means
// the upstream gave no usable hint.
func retryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
