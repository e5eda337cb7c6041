package nimbus

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, mock *MockNimbusServer, opts ...ClientOption) (*NimbusClient, *NimbusAuthClient) {
	t.Helper()
	nac := newTestAuthClient(t, mock)
	_, err := nac.Authenticate(context.Background(), "alice", "secret123")
	require.NoError(t, err)
	mock.ClearRequests()
	opts = append([]ClientOption{WithLogger(testLogger())}, opts...)
	nc := NewNimbusClient(nac, Config{BaseURL: mock.URL()}, opts...)
	return nc, nac
}

func TestListDevices(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	devices, err := nc.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-001", devices[0].ID)
	assert.True(t, devices[0].Online)

	reqs := mock.GetRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer mock-access-token", reqs[0].Headers.Get("Authorization"))
	assert.Equal(t, "application/json", reqs[0].Headers.Get("Accept"))
}

func TestListNodes(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.SetResponse("GET", "/api/v1/devices/dev-001/nodes", MockResponse{
		StatusCode: http.StatusOK,
		Body: NodesResponse{Nodes: []Node{
			{Address: "a1b2", Type: NodeTypeThermostat, Name: "Living room"},
			{Address: "c3d4", Type: NodeTypeHotWater, Name: "Tank"},
		}},
	})

	nodes, err := nc.ListNodes(context.Background(), "dev-001")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, NodeTypeThermostat, nodes[0].Type)
	assert.Equal(t, "Tank", nodes[1].Name)
}

func TestGetNodeStatus(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.SeedNode("dev-001", NodeTypeThermostat, "a1b2", NodeStatus{
		Mode: ModeHeat, Target: 21.5, Current: 19.8, Battery: 80,
	})

	status, err := nc.GetNodeStatus(context.Background(), "dev-001", NodeTypeThermostat, "a1b2")
	require.NoError(t, err)
	assert.Equal(t, ModeHeat, status.Mode)
	assert.Equal(t, Temperature(21.5), status.Target)
	assert.Equal(t, Temperature(19.8), status.Current)
	assert.Equal(t, 80, status.Battery)
}

func TestTokenRejectedOnceReplaysRequest(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.QueueResponse("GET", "/api/v1/devices", MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       ErrorResponse{Code: "unauthorized", Message: "token expired"},
	})

	devices, err := nc.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	// One rejected attempt, one refresh, one replay.
	assert.Equal(t, 2, mock.RequestCount("GET", "/api/v1/devices"))
	assert.Equal(t, 1, mock.RequestCount("POST", "/oauth2/token"))
}

func TestTokenRejectedTwiceFailsWithInvalidCredentials(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	reject := MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       ErrorResponse{Code: "unauthorized", Message: "token expired"},
	}
	mock.QueueResponse("GET", "/api/v1/devices", reject)
	mock.QueueResponse("GET", "/api/v1/devices", reject)

	devices, err := nc.ListDevices(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Nil(t, devices)

	// The request is replayed exactly once, never more.
	assert.Equal(t, 2, mock.RequestCount("GET", "/api/v1/devices"))
}

func TestConcurrent401SharesOneRefresh(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	// Slow down the refresh so both callers hit their 401 inside the same
	// refresh window.
	mock.SetResponse("POST", "/oauth2/token", MockResponse{
		StatusCode: http.StatusOK,
		Body:       TokenResponse{AccessToken: "fresh-token", TokenType: "bearer", ExpiresIn: 3600},
		Delay:      200 * time.Millisecond,
	})
	reject := MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       ErrorResponse{Code: "unauthorized", Message: "token expired"},
	}
	mock.QueueResponse("GET", "/api/v1/devices", reject)
	mock.QueueResponse("GET", "/api/v1/devices", reject)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = nc.ListDevices(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, mock.RequestCount("POST", "/oauth2/token"),
		"both rejected requests must share a single refresh")
	assert.Equal(t, 4, mock.RequestCount("GET", "/api/v1/devices"))
}

func TestRateLimited(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.QueueResponse("GET", "/api/v1/devices", MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{"Retry-After": "30"},
		Body:       ErrorResponse{Code: "rate_limited", Message: "slow down"},
	})

	_, err := nc.ListDevices(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 30*time.Second, rle.RetryAfter)
}

func TestRateLimitPacesBackToBackRequests(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock, WithRateLimit(rate.Every(50*time.Millisecond), 1))

	// The first call spends the burst; the second must sit out the pacing
	// interval before it reaches the wire.
	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := nc.ListDevices(context.Background())
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, mock.RequestCount("GET", "/api/v1/devices"))
}

func TestRateLimitWaitHonorsCancel(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock, WithRateLimit(rate.Every(10*time.Second), 1))

	_, err := nc.ListDevices(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err = nc.ListDevices(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second,
		"a canceled wait must not sit out the pacing interval")
	assert.Equal(t, 1, mock.RequestCount("GET", "/api/v1/devices"),
		"the canceled call must never reach the wire")
}

func TestHostUnreachable(t *testing.T) {
	mock := NewMockNimbusServer()
	nc, _ := newTestClient(t, mock)
	mock.Close()

	_, err := nc.ListDevices(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)

	var ue *UnreachableError
	require.ErrorAs(t, err, &ue)
	assert.Error(t, ue.Cause)
}

func TestServerErrorKeepsStatusAndMessage(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.QueueResponse("GET", "/api/v1/devices", MockResponse{
		StatusCode: http.StatusBadGateway,
		Body:       ErrorResponse{Code: "upstream_down", Message: "vendor cloud unavailable"},
	})

	_, err := nc.ListDevices(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpected)

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadGateway, ae.StatusCode)
	assert.Equal(t, "vendor cloud unavailable", ae.Message)
}

func TestSetNodeStatusPartialPayload(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.SeedNode("dev-001", NodeTypeThermostat, "a1b2", NodeStatus{
		Mode: ModeHeat, Target: 20.0, Current: 19.5, Battery: 90,
	})

	target := Temperature(21.5)
	err := nc.SetNodeStatus(context.Background(), "dev-001", NodeTypeThermostat, "a1b2",
		NodeStatusUpdate{Target: &target})
	require.NoError(t, err)

	reqs := mock.GetRequests()
	var put *MockRequest
	for i := range reqs {
		if reqs[i].Method == "PUT" {
			put = &reqs[i]
		}
	}
	require.NotNil(t, put)
	assert.Equal(t, `{"target":21.5}`, put.Body,
		"unsupplied fields must be omitted, not defaulted")

	state, ok := mock.NodeState("dev-001", NodeTypeThermostat, "a1b2")
	require.True(t, ok)
	assert.Equal(t, ModeHeat, state.Mode, "mode must be untouched by a target-only update")
	assert.Equal(t, Temperature(21.5), state.Target)
}

func TestSetNodeStatusModeOnlyPayload(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.SeedNode("dev-001", NodeTypeThermostat, "a1b2", NodeStatus{
		Mode: ModeHeat, Target: 20.0, Current: 19.5, Battery: 90,
	})

	mode := ModeOff
	err := nc.SetNodeStatus(context.Background(), "dev-001", NodeTypeThermostat, "a1b2",
		NodeStatusUpdate{Mode: &mode})
	require.NoError(t, err)

	reqs := mock.GetRequests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, `{"mode":"OFF"}`, reqs[len(reqs)-1].Body)

	state, _ := mock.NodeState("dev-001", NodeTypeThermostat, "a1b2")
	assert.Equal(t, Temperature(20.0), state.Target, "target must be untouched by a mode-only update")
}

func TestSetNodeStatusReplaysBodyAfter401(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.SeedNode("dev-001", NodeTypeThermostat, "a1b2", NodeStatus{
		Mode: ModeHeat, Target: 20.0, Current: 19.5, Battery: 90,
	})
	mock.QueueResponse("PUT", "/api/v1/devices/dev-001/nodes/thermostat/a1b2", MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       ErrorResponse{Code: "unauthorized", Message: "token expired"},
	})

	target := Temperature(22.0)
	err := nc.SetNodeStatus(context.Background(), "dev-001", NodeTypeThermostat, "a1b2",
		NodeStatusUpdate{Target: &target})
	require.NoError(t, err)

	var bodies []string
	for _, req := range mock.GetRequests() {
		if req.Method == "PUT" {
			bodies = append(bodies, req.Body)
		}
	}
	require.Len(t, bodies, 2)
	assert.Equal(t, `{"target":22.0}`, bodies[0])
	assert.Equal(t, bodies[0], bodies[1], "the replayed request must carry the same body")
}

func TestWriteBackReadStatusIsNoOp(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	seed := NodeStatus{Mode: ModeHeat, Target: 21.0, Current: 19.8, Battery: 77}
	mock.SeedNode("dev-001", NodeTypeThermostat, "a1b2", seed)

	before, err := nc.GetNodeStatus(context.Background(), "dev-001", NodeTypeThermostat, "a1b2")
	require.NoError(t, err)

	err = nc.SetNodeStatus(context.Background(), "dev-001", NodeTypeThermostat, "a1b2",
		NodeStatusUpdate{Mode: &before.Mode, Target: &before.Target})
	require.NoError(t, err)

	after, err := nc.GetNodeStatus(context.Background(), "dev-001", NodeTypeThermostat, "a1b2")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	state, _ := mock.NodeState("dev-001", NodeTypeThermostat, "a1b2")
	assert.Equal(t, seed, state)
}

func TestAwayStatusRoundTrip(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.SeedAway("dev-001", AwayOff)

	status, err := nc.GetAwayStatus(context.Background(), "dev-001")
	require.NoError(t, err)
	assert.Equal(t, AwayOff, status.Status)

	err = nc.SetAwayStatus(context.Background(), "dev-001", AwayStatus{Status: AwayOn})
	require.NoError(t, err)

	reqs := mock.GetRequests()
	assert.Equal(t, `{"status":"ON"}`, reqs[len(reqs)-1].Body)

	status, err = nc.GetAwayStatus(context.Background(), "dev-001")
	require.NoError(t, err)
	assert.Equal(t, AwayOn, status.Status)
}

func TestPathSegmentsPercentEncoded(t *testing.T) {
	mock := NewMockNimbusServer()
	defer mock.Close()
	nc, _ := newTestClient(t, mock)

	mock.SeedNode("dev 01", NodeTypeThermostat, "addr/7", NodeStatus{
		Mode: ModeOff, Target: 15.0, Current: 14.0, Battery: 50,
	})

	status, err := nc.GetNodeStatus(context.Background(), "dev 01", NodeTypeThermostat, "addr/7")
	require.NoError(t, err)
	assert.Equal(t, ModeOff, status.Mode)

	reqs := mock.GetRequests()
	require.NotEmpty(t, reqs)
	assert.Contains(t, reqs[len(reqs)-1].RequestURI,
		"/api/v1/devices/dev%2001/nodes/thermostat/addr%2F7")
}
