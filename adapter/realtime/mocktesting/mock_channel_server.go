package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame mirrors the stream envelope so tests can script and inspect
// messages without importing the package under test.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MockChannelServer is an in-process stand-in for the Nimbus push stream.
// It records every upgrade request and every client frame, and can push
// updates, drop connections or reject upgrades to drive reconnect logic.
type MockChannelServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	conns          map[*websocket.Conn]bool
	queries        []url.Values
	frames         []Frame
	upgrades       int
	rejectUpgrades bool
	autoPong       bool
}

// NewMockChannelServer starts a mock stream server.
func NewMockChannelServer() *MockChannelServer {
	mock := &MockChannelServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", mock.handleStream)
	mock.server = httptest.NewServer(mux)
	return mock
}

// URL returns the http base URL; the channel manager converts it to ws.
func (m *MockChannelServer) URL() string {
	return m.server.URL
}

// Close drops every connection and shuts the server down.
func (m *MockChannelServer) Close() {
	m.mu.Lock()
	for conn := range m.conns {
		conn.Close()
	}
	m.conns = make(map[*websocket.Conn]bool)
	m.mu.Unlock()
	m.server.Close()
}

// SetRejectUpgrades makes the server refuse upgrade requests with 403 until
// switched back, simulating a broken stream endpoint.
func (m *MockChannelServer) SetRejectUpgrades(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectUpgrades = reject
}

// SetAutoPong makes the server answer every ping frame with a pong.
func (m *MockChannelServer) SetAutoPong(auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoPong = auto
}

// UpgradeCount returns how many upgrade requests were received, rejected
// ones included.
func (m *MockChannelServer) UpgradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upgrades
}

// ConnectionCount returns how many connections are currently open.
func (m *MockChannelServer) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// LastQuery returns the query parameters of the most recent upgrade.
func (m *MockChannelServer) LastQuery() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queries) == 0 {
		return nil
	}
	return m.queries[len(m.queries)-1]
}

// FrameCount counts received client frames of one type.
func (m *MockChannelServer) FrameCount(frameType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.frames {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

// SendUpdate pushes an update frame with the given payload to every
// connected client. A json.RawMessage payload is forwarded byte for byte.
func (m *MockChannelServer) SendUpdate(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal update payload: %w", err)
	}
	return m.broadcast(Frame{Type: "update", Payload: raw})
}

// DropConnections force-closes every open connection, simulating a network
// cut the client must recover from.
func (m *MockChannelServer) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.conns {
		conn.Close()
	}
	m.conns = make(map[*websocket.Conn]bool)
}

func (m *MockChannelServer) handleStream(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.upgrades++
	m.queries = append(m.queries, r.URL.Query())
	reject := m.rejectUpgrades
	m.mu.Unlock()

	if reject {
		http.Error(w, "stream unavailable", http.StatusForbidden)
		return
	}
	if r.URL.Query().Get("token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conns[conn] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		m.mu.Lock()
		m.frames = append(m.frames, f)
		pong := m.autoPong && f.Type == "ping"
		m.mu.Unlock()

		if pong {
			conn.WriteJSON(Frame{Type: "pong"})
		}
	}
}

func (m *MockChannelServer) broadcast(f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.conns {
		if err := conn.WriteJSON(f); err != nil {
			return fmt.Errorf("failed to push frame: %w", err)
		}
	}
	return nil
}
