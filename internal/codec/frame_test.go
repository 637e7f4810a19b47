package codec

import (
	"reflect"
	"testing"

	"github.com/clawinfra/toolfabric/internal/types"
)

func TestToolCallRoundTrip(t *testing.T) {
	inv := types.ToolInvocation{
		ID:        "call_1",
		Name:      "echo",
		Arguments: map[string]any{"msg": "hi"},
		Role:      types.RoleHumanAgent,
	}
	f := ToolCallFrame(inv, true)
	data, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.RequiresSudo {
		t.Fatal("expected requires_sudo to round-trip through the wire frame")
	}
	got, err := decoded.ToInvocation()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, inv) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, inv)
	}
}

func TestHealthCheckRoundTrip(t *testing.T) {
	data, err := Encode(HealthCheckFrame("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != FrameHealthCheck || decoded.ID != "req-1" {
		t.Fatalf("unexpected decoded frame: %+v", decoded)
	}

	resp := HealthResponseFrame("req-1", true)
	data, err = Encode(resp)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err = Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != FrameHealthResponse || !decoded.Healthy {
		t.Fatalf("unexpected decoded response: %+v", decoded)
	}
}

func TestListDiagnosticsRoundTrip(t *testing.T) {
	data, err := Encode(ListDiagnosticsFrame("req-2", types.RoleAdmin))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != FrameListDiagnostics || decoded.Role != "admin" {
		t.Fatalf("unexpected decoded frame: %+v", decoded)
	}

	resp := DiagnosticsListFrame("req-2", []string{"echo", "ping"})
	data, err = Encode(resp)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err = Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != FrameDiagnosticsList || len(decoded.Diagnostics) != 2 {
		t.Fatalf("unexpected decoded response: %+v", decoded)
	}
}

func TestDecodeHealthCheckMissingID(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"health_check"}`)); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestDecodeListDiagnosticsMissingRole(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"list_diagnostics","id":"x"}`)); err == nil {
		t.Fatal("expected error for missing role")
	}
}

func TestToolResultRoundTrip(t *testing.T) {
	res := types.ToolResult{ID: "call_1", Status: types.StatusSuccess, Output: "hi", ExecutionTimeMs: 12}
	f := ToolResultFrame(res)
	data, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	got := decoded.ToResult()
	if got != res {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, res)
	}
}

func TestDecodeMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"x"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestDecodeUnknownTypePasses(t *testing.T) {
	f, err := Decode([]byte(`{"type":"something_new"}`))
	if err != nil {
		t.Fatalf("unknown type should decode, not error: %v", err)
	}
	if f.Type != "something_new" {
		t.Fatalf("unexpected type %q", f.Type)
	}
}

func TestDecodeToolCallMissingFields(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"tool_call","id":"x"}`)); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestEncodeRequiresType(t *testing.T) {
	if _, err := Encode(Frame{}); err == nil {
		t.Fatal("expected error for frame with no type")
	}
}
