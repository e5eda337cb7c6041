package nimbus

import "strconv"

// NodeType identifies the kind of controllable node under a device.
type NodeType string

const (
	NodeTypeThermostat NodeType = "thermostat"
	NodeTypeHotWater   NodeType = "hotwater"
	NodeTypeRadiator   NodeType = "radiator"
)

// ThermostatMode selects how a node regulates its target.
type ThermostatMode string

const (
	ModeHeat ThermostatMode = "HEAT"
	ModeOff  ThermostatMode = "OFF"
	ModeAuto ThermostatMode = "AUTO"
)

// AwayMode is the device-level away switch value.
type AwayMode string

const (
	AwayOn  AwayMode = "ON"
	AwayOff AwayMode = "OFF"
)

// Temperature is a Celsius value. The Nimbus API carries temperatures as
// JSON numbers with exactly one decimal place, which may differ from the
// in-memory float; MarshalJSON enforces the wire shape.
type Temperature float64

// MarshalJSON serializes the temperature with fixed one-decimal precision.
func (t Temperature) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(t), 'f', 1, 64), nil
}

// UnmarshalJSON parses a JSON number into the temperature.
func (t *Temperature) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*t = Temperature(f)
	return nil
}

// Device represents one hub registered to the account, from GET /api/v1/devices
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Product string `json:"product"`
	Online  bool   `json:"online"`
}

// Node represents a controllable endpoint under a device. The API addresses
// a node by device id, node type and node address.
type Node struct {
	Address string      `json:"address"`
	Type    NodeType    `json:"type"`
	Name    string      `json:"name"`
	Status  *NodeStatus `json:"status,omitempty"`
}

// NodeStatus is the live state of a node. Current and Battery are reported
// by the API and ignored on writes.
type NodeStatus struct {
	Mode    ThermostatMode `json:"mode"`
	Target  Temperature    `json:"target"`
	Current Temperature    `json:"current"`
	Battery int            `json:"battery"`
}

// NodeStatusUpdate is a partial write to a node. Nil fields are omitted
// from the outbound payload and left untouched remotely.
type NodeStatusUpdate struct {
	Mode   *ThermostatMode `json:"mode,omitempty"`
	Target *Temperature    `json:"target,omitempty"`
}

// AwayStatus is the device-level away mode state, from GET and PUT
// /api/v1/devices/{id}/away
type AwayStatus struct {
	Status AwayMode `json:"status"`
}

// DevicesResponse wraps the device list as returned by the API.
type DevicesResponse struct {
	Devices []Device `json:"devices"`
}

// NodesResponse wraps the node list as returned by the API.
type NodesResponse struct {
	Nodes []Node `json:"nodes"`
}

// TokenResponse represents the OAuth2 token endpoint response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ErrorResponse represents the Nimbus API error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
