package nimbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// refreshKey is the single singleflight key: the adapter holds one
// credential set, so all refreshes collapse onto one flight.
const refreshKey = "refresh"

// NimbusAuthClient owns the credential pair and the current access token.
// It produces a valid bearer token on demand, refreshing over the network
// only when the cached token is missing or expired, and never runs two
// concurrent token fetches: concurrent Refresh callers share one in-flight
// request and all observe its outcome. Replacing the credentials through
// Authenticate supersedes any fetch still in flight; a superseded outcome
// never touches the cache.
type NimbusAuthClient struct {
	config     Config
	oauth      *oauth2.Config
	httpClient *http.Client
	store      TokenStore
	logger     *slog.Logger

	mu          sync.RWMutex
	username    string
	password    string
	credsGen    uint64
	accessToken string
	expiresAt   time.Time

	refreshGroup singleflight.Group
	tokenUpdated chan struct{}
}

// NewNimbusAuthClient creates an auth client for the given configuration.
// The zero Config selects the production Nimbus cloud and the published
// client pair.
func NewNimbusAuthClient(cfg Config, opts ...AuthOption) *NimbusAuthClient {
	cfg = cfg.withDefaults()
	nac := &NimbusAuthClient{
		config: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: cfg.tokenURL(),
				// The token endpoint requires the client pair in a Basic
				// authorization header, not in the form body.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient:   &http.Client{Timeout: requestTimeout},
		tokenUpdated: make(chan struct{}, 1),
		logger:       defaultLogger(cfg),
	}
	for _, opt := range opts {
		opt(nac)
	}
	nac.seedFromStore()
	return nac
}

// Authenticate stores the credential pair and performs a network token
// fetch, returning the new access token. Any previously held token is
// cleared on failure.
func (nac *NimbusAuthClient) Authenticate(ctx context.Context, username, password string) (string, error) {
	nac.mu.Lock()
	nac.username = username
	nac.password = password
	// Any fetch still in flight now belongs to a superseded generation;
	// whatever it settles with is dropped instead of stored.
	nac.credsGen++
	nac.mu.Unlock()

	// A re-authentication must not join a refresh started with the
	// previous credentials.
	nac.refreshGroup.Forget(refreshKey)

	nac.logger.Info("Authenticating", "function", "Authenticate", "username", maskSecret(username))
	return nac.Refresh(ctx)
}

// Token returns the cached access token while it is unexpired, otherwise
// delegates to Refresh.
func (nac *NimbusAuthClient) Token(ctx context.Context) (string, error) {
	nac.mu.RLock()
	token, expiresAt := nac.accessToken, nac.expiresAt
	nac.mu.RUnlock()

	if token != "" && time.Now().Before(expiresAt) {
		return token, nil
	}
	nac.logger.Debug("Cached token missing or expired, refreshing", "function", "Token", "expires_at", expiresAt)
	return nac.Refresh(ctx)
}

// Refresh performs a network token fetch with the stored credentials.
// If a fetch is already in flight every caller shares it: exactly one
// request reaches the token endpoint and all callers receive the same
// token or the same error. The in-flight marker clears once that request
// settles, so a later Refresh starts fresh.
func (nac *NimbusAuthClient) Refresh(ctx context.Context) (string, error) {
	nac.mu.RLock()
	username, password, gen := nac.username, nac.password, nac.credsGen
	nac.mu.RUnlock()

	if username == "" && password == "" {
		return "", fmt.Errorf("refresh before authenticate: %w", ErrNoCredentials)
	}

	v, err, _ := nac.refreshGroup.Do(refreshKey, func() (interface{}, error) {
		return nac.fetchToken(username, password, gen)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate clears the cached token and its expiry unconditionally. The
// credential pair and any in-flight refresh are untouched.
func (nac *NimbusAuthClient) Invalidate() {
	nac.mu.Lock()
	nac.accessToken = ""
	nac.expiresAt = time.Time{}
	nac.mu.Unlock()
	nac.logger.Debug("Session invalidated", "function", "Invalidate")
}

// IsAuthenticated reports whether a token is cached and unexpired. A
// present but expired token reports false.
func (nac *NimbusAuthClient) IsAuthenticated() bool {
	nac.mu.RLock()
	defer nac.mu.RUnlock()
	return nac.accessToken != "" && time.Now().Before(nac.expiresAt)
}

// TokenUpdates returns a one-slot channel signalled after every successful
// token fetch. Consumers that only care about the latest update can drain
// it at their own pace; sends never block.
func (nac *NimbusAuthClient) TokenUpdates() <-chan struct{} {
	return nac.tokenUpdated
}

// fetchToken exchanges the credentials for a token via the resource-owner
// password grant. The fetch is shared by every caller waiting on the same
// refresh, so it runs against a detached context; the HTTP client timeout
// is the only bound. gen names the credential generation the fetch ran
// with, so an outcome settling after a re-authentication is discarded.
func (nac *NimbusAuthClient) fetchToken(username, password string, gen uint64) (string, error) {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, nac.httpClient)

	tok, err := nac.oauth.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		nac.clearToken(gen)
		translated := translateTokenError(err)
		nac.logger.Warn("Token fetch failed", "function", "fetchToken", "error", translated)
		return "", translated
	}

	// expires_in of 0 yields a token that is already past its buffered
	// expiry. That is a valid session state, not an error.
	expiresAt := time.Now().Add(-tokenExpiryBuffer)
	if !tok.Expiry.IsZero() {
		expiresAt = tok.Expiry.Add(-tokenExpiryBuffer)
	}

	nac.storeToken(tok.AccessToken, expiresAt, gen)
	nac.logger.Info("Token fetched", "function", "fetchToken", "expires_at", expiresAt)
	return tok.AccessToken, nil
}

// storeToken caches a fetched token. A fetch whose credentials were
// replaced while it was in flight settles as stale and is dropped; the
// token it carries belongs to the previous identity.
func (nac *NimbusAuthClient) storeToken(token string, expiresAt time.Time, gen uint64) {
	nac.mu.Lock()
	if gen != nac.credsGen {
		nac.mu.Unlock()
		nac.logger.Debug("Dropping token from superseded credentials", "function", "storeToken")
		return
	}
	nac.accessToken = token
	nac.expiresAt = expiresAt
	nac.mu.Unlock()

	// Non-blocking channel send
	select {
	case nac.tokenUpdated <- struct{}{}:
	default:
	}

	if nac.store != nil {
		if err := nac.store.Save(StoredToken{AccessToken: token, ExpiresAt: expiresAt}); err != nil {
			nac.logger.Warn("Unable to persist token", "function", "storeToken", "error", err)
		}
	}
}

// clearToken drops the cached token after a failed fetch, unless the
// credentials that fetch ran with have been replaced. A stale failure must
// not wipe a token the replacement credentials already produced.
func (nac *NimbusAuthClient) clearToken(gen uint64) {
	nac.mu.Lock()
	defer nac.mu.Unlock()
	if gen != nac.credsGen {
		return
	}
	nac.accessToken = ""
	nac.expiresAt = time.Time{}
}

func (nac *NimbusAuthClient) seedFromStore() {
	if nac.store == nil {
		return
	}
	stored, err := nac.store.Load()
	if err != nil {
		nac.logger.Debug("No stored token to seed from", "function", "seedFromStore", "error", err)
		return
	}
	nac.mu.Lock()
	nac.accessToken = stored.AccessToken
	nac.expiresAt = stored.ExpiresAt
	nac.mu.Unlock()
	nac.logger.Info("Seeded token from store", "function", "seedFromStore", "expires_at", stored.ExpiresAt)
}

// translateTokenError maps token endpoint failures onto the adapter error
// taxonomy. No raw transport error escapes to callers.
func translateTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest:
			// RFC 6749 servers report rejected resource-owner credentials
			// as 400 invalid_grant.
			if re.ErrorCode == "invalid_grant" {
				return fmt.Errorf("token endpoint rejected credentials: %w", ErrInvalidCredentials)
			}
			return &APIError{StatusCode: re.Response.StatusCode, Message: strings.TrimSpace(string(re.Body))}
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("token endpoint rejected credentials: %w", ErrInvalidCredentials)
		case http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: retryAfterHint(re.Response)}
		default:
			return &APIError{StatusCode: re.Response.StatusCode, Message: strings.TrimSpace(string(re.Body))}
		}
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		return &UnreachableError{Cause: ue}
	}
	return fmt.Errorf("%w: %v", ErrUnexpected, err)
}

// maskSecret masks a credential or token for logging.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
