// Package dispatcher implements the Dispatcher (C7): the broker-side
// orchestrator that turns a caller's ToolInvocation into a ToolResult by
// walking it through the registry, the authorization engine, the
// connection registry, the waiter store, and the audit sink.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/toolfabric/internal/audit"
	"github.com/clawinfra/toolfabric/internal/authz"
	"github.com/clawinfra/toolfabric/internal/codec"
	"github.com/clawinfra/toolfabric/internal/connregistry"
	"github.com/clawinfra/toolfabric/internal/toolregistry"
	"github.com/clawinfra/toolfabric/internal/types"
	"github.com/clawinfra/toolfabric/internal/waiter"
)

// Confirmer is the "notification_service" collaborator: when a tool's
// policy requires confirmation, the dispatcher asks it before sending the
// call onward. A nil Confirmer means no collaborator is wired, which the
// authorization design (SPEC_FULL.md §9 Open Question 2) resolves as an
// implicit allow rather than a block.
type Confirmer interface {
	Confirm(ctx context.Context, toolName string, role types.Role, risk types.RiskLevel) (bool, error)
}

// EventPublisher mirrors dispatch outcomes onto the operational event bus
// (§2.1). A nil EventPublisher means MQTT is not configured; Dispatcher
// treats that as a no-op rather than an error.
type EventPublisher interface {
	PublishToolResult(deviceID string, result types.ToolResult)
}

// Dispatcher wires the registry, authorization engine, connection
// registry, waiter store, and audit sink into dispatch's eight-step
// algorithm (SPEC_FULL.md §4.7).
type Dispatcher struct {
	registry  *toolregistry.Registry
	authz     *authz.Engine
	conns     *connregistry.Registry
	waiters   *waiter.Store
	auditSink *audit.Sink
	confirmer Confirmer      // optional
	events    EventPublisher // optional
	now       func() time.Time
}

// New builds a Dispatcher. confirmer and events may be nil.
func New(registry *toolregistry.Registry, authEngine *authz.Engine, conns *connregistry.Registry, waiters *waiter.Store, auditSink *audit.Sink, confirmer Confirmer, events EventPublisher) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		authz:     authEngine,
		conns:     conns,
		waiters:   waiters,
		auditSink: auditSink,
		confirmer: confirmer,
		events:    events,
		now:       time.Now,
	}
}

// Dispatch runs one ToolInvocation against targetDeviceID and returns its
// ToolResult, auditing exactly once regardless of outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, inv types.ToolInvocation, targetDeviceID string, signals types.Signals) types.ToolResult {
	start := d.now()

	// 1. lookup
	def, ok := d.registry.Lookup(inv.Name)
	if !ok {
		result := types.ToolResult{ID: inv.ID, Status: types.StatusFailure, Error: fmt.Sprintf("tool %q not found", inv.Name)}
		d.audit(inv, targetDeviceID, result, false, start)
		return result
	}

	// 2. authorize
	decision := d.authz.Authorize(inv.Name, def.Policy, inv.Role, signals)
	d.auditAuthz(inv, targetDeviceID, decision)
	if !decision.Allowed {
		slog.Warn("authorization denied", "tool", inv.Name, "role", inv.Role, "reason", decision.Reason)
		result := types.ToolResult{ID: inv.ID, Status: types.StatusUnauthorized, Error: decision.Reason}
		d.audit(inv, targetDeviceID, result, false, start)
		return result
	}

	// 3. confirmation
	if def.Policy.RequiresConfirmation && d.confirmer != nil {
		confirmed, err := d.confirmer.Confirm(ctx, inv.Name, inv.Role, def.Policy.RiskLevel)
		if err != nil {
			slog.Warn("confirmation collaborator failed, proceeding", "tool", inv.Name, "error", err)
		} else if !confirmed {
			result := types.ToolResult{ID: inv.ID, Status: types.StatusUnauthorized, Error: "confirmation declined"}
			d.audit(inv, targetDeviceID, result, false, start)
			return result
		}
	}

	// 4. resolve connection
	if !d.conns.IsConnected(targetDeviceID) {
		result := types.ToolResult{ID: inv.ID, Status: types.StatusFailure, Error: "device not connected"}
		d.audit(inv, targetDeviceID, result, true, start)
		return result
	}

	// 5. allocate call_id and register waiter
	callID := fmt.Sprintf("call_%d_%s", d.now().UnixNano(), uuid.NewString())
	inv.ID = callID
	if err := d.waiters.RegisterCall(callID, targetDeviceID); err != nil {
		result := types.ToolResult{ID: callID, Status: types.StatusFailure, Error: err.Error()}
		d.audit(inv, targetDeviceID, result, true, start)
		return result
	}

	// 6. send
	frame := codec.ToolCallFrame(inv, def.Policy.RequiresSudo)
	if !d.conns.SendTo(ctx, targetDeviceID, frame) {
		d.waiters.Cancel(callID)
		result := types.ToolResult{ID: callID, Status: types.StatusFailure, Error: "failed to send tool_call to device"}
		d.audit(inv, targetDeviceID, result, true, start)
		return result
	}

	// 7. await
	timeout := def.Policy.Timeout()
	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, outcome := d.waiters.AwaitResult(awaitCtx, callID)
	switch outcome {
	case waiter.OutcomeTimeout:
		result = types.ToolResult{
			ID:              callID,
			Status:          types.StatusTimeout,
			Error:           fmt.Sprintf("no result in %s", timeout),
			ExecutionTimeMs: elapsedMs(d.now(), start),
		}
	case waiter.OutcomeCancelled:
		result = types.ToolResult{
			ID:     callID,
			Status: types.StatusFailure,
			Error:  "device disconnected before result arrived",
		}
	case waiter.OutcomeDelivered:
		// result is already populated
	}

	// 8. audit + publish
	d.audit(inv, targetDeviceID, result, true, start)
	if d.events != nil {
		d.events.PublishToolResult(targetDeviceID, result)
	}
	return result
}

// DeliverResult hands an in-flight tool_result frame to its waiter. It
// returns false if call_id is unknown or already completed, in which case
// the broker's WS handler logs and drops the frame (I2, I3).
func (d *Dispatcher) DeliverResult(callID string, result types.ToolResult) bool {
	return d.waiters.Deliver(callID, result)
}

// CancelDevice abandons every call pending against deviceID — used when
// the Connection Registry evicts a stale socket on reconnect, or when a
// device's connection drops.
func (d *Dispatcher) CancelDevice(deviceID string) {
	d.waiters.CancelDevice(deviceID)
}

func (d *Dispatcher) audit(inv types.ToolInvocation, deviceID string, result types.ToolResult, authorized bool, start time.Time) {
	if d.auditSink == nil {
		return
	}
	entry := types.AuditEntry{
		Kind:            types.AuditKindExecution,
		ToolName:        inv.Name,
		Role:            inv.Role,
		DeviceID:        deviceID,
		Authorized:      authorized,
		Status:          result.Status,
		ExecutionTimeMs: elapsedMs(d.now(), start),
		Output:          result.Output,
		Error:           result.Error,
	}
	if err := d.auditSink.Write(entry); err != nil {
		slog.Error("failed to write audit log", "error", err)
	}
}

// auditAuthz records the Authorization Engine's decision as its own
// AUTHZ-kind entry, distinct from the execution outcome audit (§4.8):
// authorization is audited whether or not the call goes on to run.
func (d *Dispatcher) auditAuthz(inv types.ToolInvocation, deviceID string, decision types.AuthorizationDecision) {
	if d.auditSink == nil {
		return
	}
	entry := types.AuditEntry{
		Timestamp:  decision.DecidedAt,
		Kind:       types.AuditKindAuthz,
		ToolName:   inv.Name,
		Role:       inv.Role,
		DeviceID:   deviceID,
		Authorized: decision.Allowed,
		Reason:     decision.Reason,
	}
	if err := d.auditSink.Write(entry); err != nil {
		slog.Error("failed to write authz audit log", "error", err)
	}
}

func elapsedMs(now, start time.Time) int64 {
	return now.Sub(start).Milliseconds()
}
