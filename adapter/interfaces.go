package nimbus

import "context"

// ============================================================================
// INTERFACES - contracts this adapter implements and consumes
// ============================================================================
// INTERFACE SEGREGATION: callers depend on the slice they actually use
// - TokenProvider is what the REST client and the realtime channel consume
// - SessionAPI adds the credential lifecycle for login flows
// - DeviceReader serves polling layers; DeviceWriter serves control layers
// - DeviceAPI is the composite REST surface
// ============================================================================

// TokenProvider supplies a currently-valid bearer token on demand and lets
// consumers force the session through a refresh after an authorization
// failure.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	Invalidate()
	IsAuthenticated() bool
}

// SessionAPI is the full session lifecycle implemented by NimbusAuthClient.
type SessionAPI interface {
	TokenProvider
	Authenticate(ctx context.Context, username, password string) (string, error)
	TokenUpdates() <-chan struct{}
}

// DeviceReader defines the read-only REST operations. Polling layers that
// never write depend on this interface alone.
type DeviceReader interface {
	ListDevices(ctx context.Context) ([]Device, error)
	ListNodes(ctx context.Context, deviceID string) ([]Node, error)
	GetNodeStatus(ctx context.Context, deviceID string, nodeType NodeType, nodeAddress string) (*NodeStatus, error)
	GetAwayStatus(ctx context.Context, deviceID string) (*AwayStatus, error)
}

// DeviceWriter defines the state-changing REST operations.
type DeviceWriter interface {
	SetNodeStatus(ctx context.Context, deviceID string, nodeType NodeType, nodeAddress string, update NodeStatusUpdate) error
	SetAwayStatus(ctx context.Context, deviceID string, status AwayStatus) error
}

// DeviceAPI combines the read and write surfaces (composite).
// NimbusClient implements the full interface.
type DeviceAPI interface {
	DeviceReader
	DeviceWriter
}
