package nimbus

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Production defaults. The client id/secret pair is the published Nimbus
// identifier for third-party integrations, not a user secret.
const (
	DefaultBaseURL      = "https://api.nimbushome.com"
	defaultClientID     = "nimbus-connect"
	defaultClientSecret = "8kGqzQ29vTCePNzR"

	tokenPath = "/oauth2/token"

	// requestTimeout bounds every REST and token call.
	requestTimeout = 15 * time.Second

	// tokenExpiryBuffer is subtracted from the server-reported token
	// lifetime; a token is treated as expired this long before the server
	// would reject it.
	tokenExpiryBuffer = 5 * time.Minute
)

// Config carries the connection settings shared by the auth, REST and
// realtime clients.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Debug        bool
}

// LoadConfigFromEnv reads NIMBUS_* environment variables, falling back to
// the production defaults. Used by the examples and live tests.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL:      os.Getenv("NIMBUS_BASE_URL"),
		ClientID:     os.Getenv("NIMBUS_CLIENT_ID"),
		ClientSecret: os.Getenv("NIMBUS_CLIENT_SECRET"),
	}
	cfg.Debug, _ = strconv.ParseBool(os.Getenv("NIMBUS_DEBUG"))
	return cfg.withDefaults()
}

// LoadCredentialsFromEnv reads the NIMBUS_USERNAME / NIMBUS_PASSWORD pair
// for the examples and live tests. Production callers collect credentials
// through their own UI and pass them to Authenticate directly.
func LoadCredentialsFromEnv() (username, password string, ok bool) {
	username = os.Getenv("NIMBUS_USERNAME")
	password = os.Getenv("NIMBUS_PASSWORD")
	return username, password, username != "" && password != ""
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.ClientSecret == "" {
		c.ClientSecret = defaultClientSecret
	}
	return c
}

// defaultLogger is the constructor fallback when no logger option is given:
// the process default, or a debug-level stderr handler when Debug is set.
func defaultLogger(c Config) *slog.Logger {
	if !c.Debug {
		return slog.Default()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (c Config) tokenURL() string {
	return c.BaseURL + tokenPath
}
