package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	nimbus "github.com/bjoelf/nimbus-adapter/adapter"
)

// NimbusChannelManager maintains a best-effort push connection for one
// device. It authenticates the stream with a token from the auth client,
// delivers update and lifecycle events to subscribers, and self-heals after
// disconnection with capped exponential backoff. Failures never surface as
// return values; they arrive as error/disconnected events, and exhaustion
// of the attempt cap as max_reconnect_reached.
//
// Close is terminal: a closed manager ignores every later Connect, and no
// timer fires after it returns.
type NimbusChannelManager struct {
	config   Config
	deviceID string
	auth     nimbus.TokenProvider
	logger   *slog.Logger
	dialer   *websocket.Dialer

	events  *eventDispatcher
	backoff *reconnector

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connID         string
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	// writeMu serializes frame writes; the heartbeat and teardown paths
	// may write concurrently and the transport allows a single writer.
	writeMu sync.Mutex
}

// Option configures a NimbusChannelManager.
type Option func(*NimbusChannelManager)

// WithLogger sets the logger for the channel manager.
// If not set, defaults to slog.Default(), or a debug-level stderr logger
// when Config.Debug is set.
func WithLogger(logger *slog.Logger) Option {
	return func(cm *NimbusChannelManager) {
		cm.logger = logger
	}
}

// NewNimbusChannelManager creates a channel manager for one device. The
// manager stays Idle until Connect is called.
func NewNimbusChannelManager(auth nimbus.TokenProvider, deviceID string, cfg Config, opts ...Option) *NimbusChannelManager {
	cfg = cfg.withDefaults()

	cm := &NimbusChannelManager{
		config:   cfg,
		deviceID: deviceID,
		auth:     auth,
		logger:   defaultLogger(cfg),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		backoff: newReconnector(cfg),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.events = newEventDispatcher(cm.logger)
	return cm
}

// OnConnected registers a listener for successful opens.
func (cm *NimbusChannelManager) OnConnected(l func()) { cm.events.onConnected(l) }

// OnDisconnected registers a listener for connection loss; reason describes
// what ended the connection.
func (cm *NimbusChannelManager) OnDisconnected(l func(reason string)) { cm.events.onDisconnected(l) }

// OnUpdate registers a listener for pushed device updates. The payload is
// forwarded verbatim as received from the stream.
func (cm *NimbusChannelManager) OnUpdate(l func(payload json.RawMessage)) { cm.events.onUpdate(l) }

// OnError registers a listener for connection-level errors.
func (cm *NimbusChannelManager) OnError(l func(err error)) { cm.events.onError(l) }

// OnMaxReconnectReached registers a listener for reconnect exhaustion. Once
// it fires the manager stops scheduling attempts; the caller decides whether
// to fall back to polling.
func (cm *NimbusChannelManager) OnMaxReconnectReached(l func()) { cm.events.onMaxReconnect(l) }

// State returns the current lifecycle state.
func (cm *NimbusChannelManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Connect starts the connection sequence in the background. Outcomes are
// delivered through events, never returned. Calling Connect on a closed
// manager is a silent no-op, as is calling it while a connection attempt or
// reconnection is already active.
func (cm *NimbusChannelManager) Connect(ctx context.Context) {
	cm.mu.Lock()
	switch cm.state {
	case StateDestroyed:
		cm.mu.Unlock()
		cm.logger.Debug("Connect on closed manager ignored", "function", "Connect", "device_id", cm.deviceID)
		return
	case StateConnecting, StateOpen, StateReconnecting:
		state := cm.state
		cm.mu.Unlock()
		cm.logger.Debug("Connect ignored, channel already active", "function", "Connect", "state", state)
		return
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	go cm.runConnect(ctx)
}

// Close tears the channel down permanently. It stops the heartbeat and any
// pending reconnect timer, detaches all listeners, closes the transport and
// makes every future Connect a no-op. Safe to call at any point, including
// while a connect attempt is suspended on the token fetch.
func (cm *NimbusChannelManager) Close() {
	cm.mu.Lock()
	if cm.state == StateDestroyed {
		cm.mu.Unlock()
		return
	}
	wasOpen := cm.state == StateOpen
	cm.state = StateDestroyed
	cm.stopHeartbeatLocked()
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn != nil {
		cm.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		cm.writeMu.Unlock()
		conn.Close()
	}

	cm.logger.Info("Channel closed", "function", "Close", "device_id", cm.deviceID)
	if wasOpen {
		cm.events.emitDisconnected("closed by client")
	}
	cm.events.reset()
}

// runConnect performs one connection attempt: token fetch, dial, adopt.
// Every continuation re-checks the state because Close may land while the
// token fetch or the dial is suspended.
func (cm *NimbusChannelManager) runConnect(ctx context.Context) {
	token, err := cm.auth.Token(ctx)
	if err != nil {
		cm.handleConnectFailure(fmt.Errorf("token fetch for stream failed: %w", err))
		return
	}

	if cm.State() == StateDestroyed {
		cm.logger.Debug("Closed during token fetch, dropping connect", "function", "runConnect", "device_id", cm.deviceID)
		return
	}

	conn, resp, err := cm.dialer.DialContext(ctx, cm.streamURL(token), nil)
	if err != nil {
		if resp != nil {
			cm.logger.Warn("Stream handshake rejected", "function", "runConnect", "status", resp.StatusCode)
			resp.Body.Close()
		}
		cm.handleConnectFailure(fmt.Errorf("stream dial failed: %w", err))
		return
	}

	cm.mu.Lock()
	if cm.state == StateDestroyed {
		cm.mu.Unlock()
		conn.Close()
		cm.logger.Debug("Closed during dial, dropping fresh transport", "function", "runConnect", "device_id", cm.deviceID)
		return
	}
	cm.conn = conn
	cm.connID = uuid.NewString()
	cm.state = StateOpen
	cm.backoff.reset()
	stop := make(chan struct{})
	cm.heartbeatStop = stop
	connID := cm.connID
	cm.mu.Unlock()

	cm.logger.Info("Channel open",
		"function", "runConnect",
		"device_id", cm.deviceID,
		"connection_id", connID)
	cm.events.emitConnected()

	// Ask for the current device state up front; later changes arrive as
	// unsolicited updates.
	if err := cm.writeFrame(conn, frame{Type: frameSync}); err != nil {
		cm.logger.Warn("Initial sync request failed", "function", "runConnect", "error", err)
	}

	go cm.heartbeatLoop(conn, stop)
	go cm.readLoop(conn)
}

// handleConnectFailure is the Connecting path out: emit the error and fall
// into the reconnect schedule.
func (cm *NimbusChannelManager) handleConnectFailure(err error) {
	cm.mu.Lock()
	if cm.state == StateDestroyed {
		cm.mu.Unlock()
		return
	}
	cm.state = StateReconnecting
	cm.mu.Unlock()

	cm.logger.Warn("Channel connect failed", "function", "handleConnectFailure", "device_id", cm.deviceID, "error", err)
	cm.events.emitError(err)
	cm.scheduleReconnect()
}

// handleDisconnect is the Open path out: stop the heartbeat, drop the
// transport, emit disconnected and fall into the reconnect schedule.
func (cm *NimbusChannelManager) handleDisconnect(cause error) {
	cm.mu.Lock()
	if cm.state == StateDestroyed {
		cm.mu.Unlock()
		return
	}
	cm.stopHeartbeatLocked()
	if cm.conn != nil {
		cm.conn.Close()
		cm.conn = nil
	}
	cm.state = StateReconnecting
	cm.mu.Unlock()

	reason := "connection closed"
	if cause != nil {
		reason = cause.Error()
	}
	cm.logger.Warn("Channel lost", "function", "handleDisconnect", "device_id", cm.deviceID, "reason", reason)
	cm.events.emitDisconnected(reason)
	cm.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer with the next backoff
// delay, or emits max_reconnect_reached once the cap is hit.
func (cm *NimbusChannelManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.state == StateDestroyed {
		cm.mu.Unlock()
		return
	}
	delay, ok := cm.backoff.next()
	if !ok {
		cm.state = StateIdle
		cm.mu.Unlock()
		cm.logger.Warn("Reconnect attempts exhausted",
			"function", "scheduleReconnect",
			"device_id", cm.deviceID,
			"max_attempts", cm.config.MaxReconnectAttempts)
		cm.events.emitMaxReconnect()
		return
	}
	attempt := cm.backoff.attempts
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
	}
	cm.reconnectTimer = time.AfterFunc(delay, cm.retryConnect)
	cm.mu.Unlock()

	cm.logger.Info("Reconnect scheduled",
		"function", "scheduleReconnect",
		"device_id", cm.deviceID,
		"attempt", attempt,
		"delay", delay)
}

// retryConnect runs when the reconnect timer fires. Reconnects are driven
// by a background context: the context of the original Connect call may be
// long gone.
func (cm *NimbusChannelManager) retryConnect() {
	cm.mu.Lock()
	if cm.state == StateDestroyed {
		cm.mu.Unlock()
		return
	}
	cm.state = StateConnecting
	cm.reconnectTimer = nil
	cm.mu.Unlock()

	cm.runConnect(context.Background())
}

// readLoop delivers inbound frames until the transport dies.
func (cm *NimbusChannelManager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cm.handleDisconnect(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			cm.logger.Warn("Undecodable frame dropped", "function", "readLoop", "error", err)
			continue
		}

		switch f.Type {
		case frameUpdate:
			cm.events.emitUpdate(f.Payload)
		case framePong:
			cm.logger.Debug("Keepalive acknowledged", "function", "readLoop", "device_id", cm.deviceID)
		default:
			cm.logger.Debug("Unhandled frame type", "function", "readLoop", "type", f.Type)
		}
	}
}

// heartbeatLoop sends a keepalive ping on the configured interval while the
// connection it was started for is open. It exits when its stop channel
// closes or the first write fails; the read loop notices a dead transport
// and runs the disconnect path.
func (cm *NimbusChannelManager) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(cm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cm.writeFrame(conn, frame{Type: framePing}); err != nil {
				cm.logger.Warn("Keepalive write failed", "function", "heartbeatLoop", "error", err)
				return
			}
			cm.logger.Debug("Keepalive sent", "function", "heartbeatLoop", "device_id", cm.deviceID)
		}
	}
}

// stopHeartbeatLocked cancels the current heartbeat. Callers hold cm.mu.
func (cm *NimbusChannelManager) stopHeartbeatLocked() {
	if cm.heartbeatStop != nil {
		close(cm.heartbeatStop)
		cm.heartbeatStop = nil
	}
}

func (cm *NimbusChannelManager) writeFrame(conn *websocket.Conn, f frame) error {
	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// streamURL derives the wss endpoint from the configured base URL. The
// token and device id travel as query parameters.
func (cm *NimbusChannelManager) streamURL(token string) string {
	base := cm.config.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)

	q := url.Values{}
	q.Set("token", token)
	q.Set("device_id", cm.deviceID)
	return base + streamPath + "?" + q.Encode()
}
