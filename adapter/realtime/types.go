package realtime

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	nimbus "github.com/bjoelf/nimbus-adapter/adapter"
)

// State is the lifecycle state of one channel manager.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	// StateDestroyed is terminal. A closed manager never connects again.
	StateDestroyed State = "destroyed"
)

// Frame types on the stream. The server pushes update and pong frames; the
// client sends sync on open and ping on the heartbeat interval.
const (
	frameSync   = "sync"
	framePing   = "ping"
	framePong   = "pong"
	frameUpdate = "update"
)

// frame is the JSON envelope of every stream message. Update payloads are
// handed to listeners verbatim, without decoding.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	defaultHeartbeatInterval    = 20 * time.Second
	defaultReconnectBaseDelay   = 5 * time.Second
	defaultReconnectMaxDelay    = 60 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultHandshakeTimeout     = 15 * time.Second

	streamPath = "/stream"
)

// Config carries the channel settings. The zero value selects the
// production Nimbus cloud and the published timing constants.
type Config struct {
	// BaseURL is the https endpoint of the Nimbus cloud; the manager
	// derives the wss stream URL from it.
	BaseURL string

	// HeartbeatInterval is the keepalive period while the channel is open.
	HeartbeatInterval time.Duration

	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential
	// backoff between reconnection attempts.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// MaxReconnectAttempts caps consecutive reconnections. Once reached
	// the manager emits max_reconnect_reached and stops scheduling.
	MaxReconnectAttempts int

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	// Debug switches the fallback logger to debug level.
	Debug bool
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = nimbus.DefaultBaseURL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

func defaultLogger(c Config) *slog.Logger {
	if !c.Debug {
		return slog.Default()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
