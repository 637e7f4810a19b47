// Package codec implements the Message Codec (C9): the tagged-union JSON
// frame format exchanged over the broker↔endpoint WebSocket.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/clawinfra/toolfabric/internal/types"
)

// FrameType names the wire frame variants (SPEC_FULL.md §4.9).
type FrameType string

const (
	FrameAuthenticate    FrameType = "authenticate"
	FrameAuthenticated   FrameType = "authenticated"
	FrameError           FrameType = "error"
	FramePing            FrameType = "ping"
	FramePong            FrameType = "pong"
	FrameHeartbeat       FrameType = "heartbeat"
	FrameHeartbeatAck    FrameType = "heartbeat_ack"
	FrameToolCall        FrameType = "tool_call"
	FrameExecuteRaw      FrameType = "execute_raw"
	FrameToolResult      FrameType = "tool_result"
	FrameDisconnect      FrameType = "disconnect"
	FrameHealthCheck     FrameType = "health_check"
	FrameHealthResponse  FrameType = "health_response"
	FrameListDiagnostics FrameType = "list_diagnostics"
	FrameDiagnosticsList FrameType = "diagnostics_list"
)

// Frame is the envelope every wire message carries. Type selects which of
// the optional fields are populated; unused fields are omitted on encode.
type Frame struct {
	Type FrameType `json:"type"`

	// authenticate
	DeviceID    string `json:"device_id,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	// error / disconnect
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`

	// tool_call
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Role      string         `json:"role,omitempty"`

	// execute_raw (also set on tool_call, from the resolved ToolPolicy)
	Command      string `json:"command,omitempty"`
	Timeout      int    `json:"timeout,omitempty"`
	RequiresSudo bool   `json:"requires_sudo,omitempty"`

	// tool_result
	Status          types.ToolStatus `json:"status,omitempty"`
	Output          string           `json:"output,omitempty"`
	ExecutionTimeMs int64            `json:"execution_time_ms,omitempty"`

	// health_response
	Healthy bool `json:"healthy,omitempty"`

	// diagnostics_list
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Encode marshals a Frame to its wire JSON form.
func Encode(f Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return json.Marshal(f)
}

// Decode parses a wire JSON message into a Frame, validating that the
// frame's required fields for its declared type are present. Unknown types
// decode successfully (callers are expected to log-and-drop per §4.9); only
// malformed JSON or a missing type is a hard error.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing required field: type")
	}
	if err := validateRequiredFields(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func validateRequiredFields(f Frame) error {
	missing := func(cond bool, field string) error {
		if cond {
			return fmt.Errorf("frame type %q missing required field %q", f.Type, field)
		}
		return nil
	}
	switch f.Type {
	case FrameAuthenticate:
		if err := missing(f.DeviceID == "", "device_id"); err != nil {
			return err
		}
		return missing(f.DeviceToken == "", "device_token")
	case FrameToolCall:
		if err := missing(f.ID == "", "id"); err != nil {
			return err
		}
		return missing(f.Name == "", "name")
	case FrameExecuteRaw:
		if err := missing(f.ID == "", "id"); err != nil {
			return err
		}
		return missing(f.Command == "", "command")
	case FrameToolResult:
		if err := missing(f.ID == "", "id"); err != nil {
			return err
		}
		return missing(f.Status == "", "status")
	case FrameHealthCheck:
		return missing(f.ID == "", "id")
	case FrameListDiagnostics:
		if err := missing(f.ID == "", "id"); err != nil {
			return err
		}
		return missing(f.Role == "", "role")
	}
	return nil
}

// ToInvocation converts a tool_call frame into a ToolInvocation.
func (f Frame) ToInvocation() (types.ToolInvocation, error) {
	role, ok := types.ParseRole(f.Role)
	if !ok {
		return types.ToolInvocation{}, fmt.Errorf("tool_call frame has invalid role %q", f.Role)
	}
	return types.ToolInvocation{ID: f.ID, Name: f.Name, Arguments: f.Arguments, Role: role}, nil
}

// ToolCallFrame builds a tool_call frame from a ToolInvocation, carrying the
// resolved policy's requires_sudo so the endpoint never has to consult a
// second source of truth for it.
func ToolCallFrame(inv types.ToolInvocation, requiresSudo bool) Frame {
	return Frame{
		Type:         FrameToolCall,
		ID:           inv.ID,
		Name:         inv.Name,
		Arguments:    inv.Arguments,
		Role:         inv.Role.String(),
		RequiresSudo: requiresSudo,
	}
}

// HealthCheckFrame builds a health_check request frame.
func HealthCheckFrame(id string) Frame {
	return Frame{Type: FrameHealthCheck, ID: id}
}

// HealthResponseFrame builds the health_response reply to a health_check.
func HealthResponseFrame(id string, healthy bool) Frame {
	return Frame{Type: FrameHealthResponse, ID: id, Healthy: healthy}
}

// ListDiagnosticsFrame builds a list_diagnostics request frame, scoped to
// the calling role so the endpoint only enumerates what that role may see.
func ListDiagnosticsFrame(id string, role types.Role) Frame {
	return Frame{Type: FrameListDiagnostics, ID: id, Role: role.String()}
}

// DiagnosticsListFrame builds the diagnostics_list reply to a
// list_diagnostics request.
func DiagnosticsListFrame(id string, diagnostics []string) Frame {
	return Frame{Type: FrameDiagnosticsList, ID: id, Diagnostics: diagnostics}
}

// ToolResultFrame builds a tool_result frame from a ToolResult.
func ToolResultFrame(res types.ToolResult) Frame {
	return Frame{
		Type:            FrameToolResult,
		ID:              res.ID,
		Status:          res.Status,
		Output:          res.Output,
		Error:           res.Error,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}
}

// ToResult converts a tool_result frame into a ToolResult.
func (f Frame) ToResult() types.ToolResult {
	return types.ToolResult{
		ID:              f.ID,
		Status:          f.Status,
		Output:          f.Output,
		Error:           f.Error,
		ExecutionTimeMs: f.ExecutionTimeMs,
	}
}
