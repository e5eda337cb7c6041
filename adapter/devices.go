package nimbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// nodeURL builds the path for a single node. Every caller-supplied segment
// is percent-encoded: node addresses in particular are free-form hardware
// identifiers.
func nodeURL(deviceID string, nodeType NodeType, nodeAddress string) string {
	return fmt.Sprintf("%s/devices/%s/nodes/%s/%s",
		apiPrefix,
		url.PathEscape(deviceID),
		url.PathEscape(string(nodeType)),
		url.PathEscape(nodeAddress))
}

// deviceURL builds the path for a device-scoped resource such as "nodes" or
// "away".
func deviceURL(deviceID, resource string) string {
	return fmt.Sprintf("%s/devices/%s/%s", apiPrefix, url.PathEscape(deviceID), resource)
}

// ListDevices returns the devices registered to the authenticated account.
func (nc *NimbusClient) ListDevices(ctx context.Context) ([]Device, error) {
	nc.logger.Debug("Listing devices", "function", "ListDevices")

	resp, err := nc.doRequest(ctx, http.MethodGet, apiPrefix+"/devices", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nc.handleErrorResponse(resp, "ListDevices")
	}

	var out DevicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode device list: %w", err)
	}

	nc.logger.Debug("Devices listed", "function", "ListDevices", "count", len(out.Devices))
	return out.Devices, nil
}

// ListNodes returns the nodes attached to one device hub.
func (nc *NimbusClient) ListNodes(ctx context.Context, deviceID string) ([]Node, error) {
	nc.logger.Debug("Listing nodes", "function", "ListNodes", "device", deviceID)

	resp, err := nc.doRequest(ctx, http.MethodGet, deviceURL(deviceID, "nodes"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nc.handleErrorResponse(resp, "ListNodes")
	}

	var out NodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}

	nc.logger.Debug("Nodes listed", "function", "ListNodes", "device", deviceID, "count", len(out.Nodes))
	return out.Nodes, nil
}

// GetNodeStatus reads the current status of one node.
func (nc *NimbusClient) GetNodeStatus(ctx context.Context, deviceID string, nodeType NodeType, nodeAddress string) (*NodeStatus, error) {
	nc.logger.Debug("Getting node status",
		"function", "GetNodeStatus",
		"device", deviceID,
		"type", nodeType,
		"node", nodeAddress)

	resp, err := nc.doRequest(ctx, http.MethodGet, nodeURL(deviceID, nodeType, nodeAddress), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nc.handleErrorResponse(resp, "GetNodeStatus")
	}

	var out NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode node status: %w", err)
	}

	return &out, nil
}

// SetNodeStatus applies a partial update to one node. Only the fields set on
// the update are sent; everything else keeps its current value upstream.
func (nc *NimbusClient) SetNodeStatus(ctx context.Context, deviceID string, nodeType NodeType, nodeAddress string, update NodeStatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal node update: %w", err)
	}

	nc.logger.Debug("Updating node status",
		"function", "SetNodeStatus",
		"device", deviceID,
		"type", nodeType,
		"node", nodeAddress)

	resp, err := nc.doRequest(ctx, http.MethodPut, nodeURL(deviceID, nodeType, nodeAddress), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nc.handleErrorResponse(resp, "SetNodeStatus")
	}

	nc.logger.Debug("Node status updated", "function", "SetNodeStatus", "device", deviceID, "node", nodeAddress)
	return nil
}

// GetAwayStatus reads the away mode of one device.
func (nc *NimbusClient) GetAwayStatus(ctx context.Context, deviceID string) (*AwayStatus, error) {
	nc.logger.Debug("Getting away status", "function", "GetAwayStatus", "device", deviceID)

	resp, err := nc.doRequest(ctx, http.MethodGet, deviceURL(deviceID, "away"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nc.handleErrorResponse(resp, "GetAwayStatus")
	}

	var out AwayStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode away status: %w", err)
	}

	return &out, nil
}

// SetAwayStatus switches away mode on or off for one device.
func (nc *NimbusClient) SetAwayStatus(ctx context.Context, deviceID string, status AwayStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal away status: %w", err)
	}

	nc.logger.Debug("Setting away status",
		"function", "SetAwayStatus",
		"device", deviceID,
		"status", status.Status)

	resp, err := nc.doRequest(ctx, http.MethodPut, deviceURL(deviceID, "away"), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nc.handleErrorResponse(resp, "SetAwayStatus")
	}

	nc.logger.Debug("Away status set", "function", "SetAwayStatus", "device", deviceID)
	return nil
}
