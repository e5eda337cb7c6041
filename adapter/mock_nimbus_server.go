package nimbus

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MockNimbusServer is an in-process stand-in for the Nimbus cloud. Responses
// are scripted per "METHOD /path" key and every request is captured for
// inspection. Seeded nodes and away states are served statefully so write
// round-trips behave like the real API.
type MockNimbusServer struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string]MockResponse
	queued    map[string][]MockResponse
	requests  []MockRequest
	nodes     map[string]NodeStatus
	away      map[string]AwayMode
}

// MockResponse describes one scripted HTTP response.
type MockResponse struct {
	StatusCode int
	Body       interface{}
	Headers    map[string]string
	Delay      time.Duration
}

// MockRequest is one captured request. RequestURI keeps the wire form of the
// path, with percent-encoding intact.
type MockRequest struct {
	Method     string
	Path       string
	RequestURI string
	Body       string
	Headers    http.Header
}

// NewMockNimbusServer starts a mock server with default responses for the
// token endpoint and the device list.
func NewMockNimbusServer() *MockNimbusServer {
	mock := &MockNimbusServer{
		responses: make(map[string]MockResponse),
		queued:    make(map[string][]MockResponse),
		nodes:     make(map[string]NodeStatus),
		away:      make(map[string]AwayMode),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	mock.setDefaultResponses()
	return mock
}

// URL returns the base URL of the mock server.
func (m *MockNimbusServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockNimbusServer) Close() {
	m.server.Close()
}

// SetResponse scripts the standing response for a method and path.
func (m *MockNimbusServer) SetResponse(method, path string, response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[fmt.Sprintf("%s %s", method, path)] = response
}

// QueueResponse scripts a one-shot response for a method and path. Queued
// responses are served in order and take precedence over the standing
// response until the queue drains.
func (m *MockNimbusServer) QueueResponse(method, path string, response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s %s", method, path)
	m.queued[key] = append(m.queued[key], response)
}

// SeedNode installs a node whose status is served and updated statefully.
func (m *MockNimbusServer) SeedNode(deviceID string, nodeType NodeType, address string, status NodeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[deviceID+"/"+string(nodeType)+"/"+address] = status
}

// NodeState returns the current stored status of a seeded node.
func (m *MockNimbusServer) NodeState(deviceID string, nodeType NodeType, address string) (NodeStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.nodes[deviceID+"/"+string(nodeType)+"/"+address]
	return status, ok
}

// SeedAway installs a stateful away mode for a device.
func (m *MockNimbusServer) SeedAway(deviceID string, mode AwayMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.away[deviceID] = mode
}

// GetRequests returns a copy of all captured requests.
func (m *MockNimbusServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount counts captured requests matching a method and decoded path.
func (m *MockNimbusServer) RequestCount(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if req.Method == method && req.Path == path {
			n++
		}
	}
	return n
}

// ClearRequests drops all captured requests.
func (m *MockNimbusServer) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockNimbusServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		RequestURI: r.RequestURI,
		Body:       string(raw),
		Headers:    r.Header.Clone(),
	})

	key := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

	if q := m.queued[key]; len(q) > 0 {
		resp := q[0]
		m.queued[key] = q[1:]
		m.mu.Unlock()
		m.write(w, resp)
		return
	}

	if resp, ok := m.handleStateful(r, raw); ok {
		m.mu.Unlock()
		m.write(w, resp)
		return
	}

	resp, ok := m.responses[key]
	m.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("no mock response for %s", key), http.StatusNotFound)
		return
	}
	m.write(w, resp)
}

// handleStateful serves seeded nodes and away states. Callers hold m.mu.
// Splitting happens on the escaped path so encoded separators inside a
// segment do not shift the layout.
func (m *MockNimbusServer) handleStateful(r *http.Request, body []byte) (MockResponse, bool) {
	parts := strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/")

	// api/v1/devices/{id}/nodes/{type}/{addr}
	if len(parts) == 7 && parts[0] == "api" && parts[1] == "v1" && parts[2] == "devices" && parts[4] == "nodes" {
		key := unescape(parts[3]) + "/" + unescape(parts[5]) + "/" + unescape(parts[6])
		status, ok := m.nodes[key]
		if !ok {
			return MockResponse{}, false
		}
		switch r.Method {
		case http.MethodGet:
			return MockResponse{StatusCode: http.StatusOK, Body: status}, true
		case http.MethodPut:
			// A partial update carries only the fields being changed, so
			// unmarshalling onto the stored value merges them.
			if err := json.Unmarshal(body, &status); err != nil {
				return MockResponse{
					StatusCode: http.StatusBadRequest,
					Body:       ErrorResponse{Code: "bad_request", Message: err.Error()},
				}, true
			}
			m.nodes[key] = status
			return MockResponse{StatusCode: http.StatusOK, Body: status}, true
		}
	}

	// api/v1/devices/{id}/away
	if len(parts) == 5 && parts[0] == "api" && parts[1] == "v1" && parts[2] == "devices" && parts[4] == "away" {
		deviceID := unescape(parts[3])
		mode, ok := m.away[deviceID]
		if !ok {
			return MockResponse{}, false
		}
		switch r.Method {
		case http.MethodGet:
			return MockResponse{StatusCode: http.StatusOK, Body: AwayStatus{Status: mode}}, true
		case http.MethodPut:
			var st AwayStatus
			if err := json.Unmarshal(body, &st); err != nil {
				return MockResponse{
					StatusCode: http.StatusBadRequest,
					Body:       ErrorResponse{Code: "bad_request", Message: err.Error()},
				}, true
			}
			m.away[deviceID] = st.Status
			return MockResponse{StatusCode: http.StatusOK, Body: st}, true
		}
	}

	return MockResponse{}, false
}

func unescape(s string) string {
	u, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return u
}

func (m *MockNimbusServer) write(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json")
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body == nil {
		return
	}
	switch b := resp.Body.(type) {
	case string:
		fmt.Fprint(w, b)
	default:
		json.NewEncoder(w).Encode(b)
	}
}

func (m *MockNimbusServer) setDefaultResponses() {
	m.SetResponse("POST", "/oauth2/token", MockResponse{
		StatusCode: http.StatusOK,
		Body: TokenResponse{
			AccessToken: "mock-access-token",
			TokenType:   "bearer",
			ExpiresIn:   3600,
		},
	})

	m.SetResponse("GET", "/api/v1/devices", MockResponse{
		StatusCode: http.StatusOK,
		Body: DevicesResponse{
			Devices: []Device{
				{ID: "dev-001", Name: "Home hub", Product: "nimbus-hub-2", Online: true},
			},
		},
	})
}
