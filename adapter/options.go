package nimbus

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

// AuthOption is a functional option for configuring a NimbusAuthClient.
type AuthOption func(*NimbusAuthClient)

// WithAuthLogger sets the logger for the auth client.
// If not set, defaults to slog.Default(), or a debug-level stderr logger
// when Config.Debug is set.
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(nac *NimbusAuthClient) {
		nac.logger = logger
	}
}

// WithAuthHTTPClient sets a custom http.Client for token fetches.
// This is useful for testing, proxying, or custom transport configurations.
func WithAuthHTTPClient(hc *http.Client) AuthOption {
	return func(nac *NimbusAuthClient) {
		nac.httpClient = hc
	}
}

// WithTokenStore sets a store the auth client seeds its token cache from at
// construction and writes back to after every successful fetch.
// If not set, tokens live in memory only.
func WithTokenStore(store TokenStore) AuthOption {
	return func(nac *NimbusAuthClient) {
		nac.store = store
	}
}

// ClientOption is a functional option for configuring a NimbusClient.
type ClientOption func(*NimbusClient)

// WithLogger sets the logger for the REST client.
// If not set, defaults to slog.Default(), or a debug-level stderr logger
// when Config.Debug is set.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(nc *NimbusClient) {
		nc.logger = logger
	}
}

// WithHTTPClient sets a custom http.Client for REST calls.
// This is useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(nc *NimbusClient) {
		nc.httpClient = hc
	}
}

// WithRateLimit paces outbound REST calls at r requests per second with the
// given burst, applied before each attempt including 401 replays.
// If not set, calls are not paced client-side.
func WithRateLimit(r rate.Limit, burst int) ClientOption {
	return func(nc *NimbusClient) {
		nc.limiter = rate.NewLimiter(r, burst)
	}
}
