// Package connregistry implements the Broker Connection Registry (C5): a
// device_id -> live socket map with single-writer-per-socket framing and
// replace-on-reconnect semantics (invariant I1).
package connregistry

import (
	"context"
	"sync"
	"time"

	"github.com/clawinfra/toolfabric/internal/codec"
	"github.com/clawinfra/toolfabric/internal/types"
)

// AuditWriter is the narrow audit-sink surface the registry needs, to
// record CONNECTION-kind events (§4.8) without importing the whole audit
// package's lifecycle (Open/Close/Recent/Prune).
type AuditWriter interface {
	Write(entry types.AuditEntry) error
}

// Socket is the minimal transport surface the registry needs. It is
// satisfied by a thin wrapper around *coder/websocket.Conn in production
// and by a fake in tests.
type Socket interface {
	WriteText(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Connection is the broker-side record of one device's live link.
type Connection struct {
	DeviceID      string
	Socket        Socket
	Since         time.Time
	LastHeartbeat time.Time
}

// ReplacedHook is invoked synchronously whenever Register evicts a prior
// connection for the same device_id, letting the dispatcher cancel waiters
// bound to that device (the Open Question resolved as proactive
// cancellation — see DESIGN.md).
type ReplacedHook func(deviceID string)

// Registry holds all current device connections.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*entry
	onEvict ReplacedHook
	audit   AuditWriter
}

type entry struct {
	conn *Connection
	wmu  sync.Mutex // serializes writes to this socket
}

// New returns an empty Registry. onEvict and audit may both be nil (no
// eviction callback, no connection audit trail).
func New(onEvict ReplacedHook, audit AuditWriter) *Registry {
	return &Registry{conns: make(map[string]*entry), onEvict: onEvict, audit: audit}
}

// Register installs sock as the current connection for deviceID. If a
// prior connection exists it is closed and, after the registry lock is
// released, onEvict is invoked — never hold the registry lock across
// socket I/O.
func (r *Registry) Register(deviceID string, sock Socket) {
	r.mu.Lock()
	prev, existed := r.conns[deviceID]
	r.conns[deviceID] = &entry{conn: &Connection{DeviceID: deviceID, Socket: sock, Since: time.Now().UTC()}}
	r.mu.Unlock()

	if existed {
		_ = prev.conn.Socket.Close(1000, "replaced by new connection")
		r.writeAudit(deviceID, "replaced")
		if r.onEvict != nil {
			r.onEvict(deviceID)
		}
		return
	}
	r.writeAudit(deviceID, "connected")
}

// Unregister removes deviceID's connection if sock is still the current
// one (avoids a stale goroutine unregistering a connection that has
// already been replaced).
func (r *Registry) Unregister(deviceID string, sock Socket) {
	r.mu.Lock()
	e, ok := r.conns[deviceID]
	removed := ok && e.conn.Socket == sock
	if removed {
		delete(r.conns, deviceID)
	}
	r.mu.Unlock()

	if removed {
		r.writeAudit(deviceID, "disconnected")
	}
}

// writeAudit records a CONNECTION-kind audit entry for a registry event
// (connect, replace, disconnect); a nil audit writer is a no-op.
func (r *Registry) writeAudit(deviceID, event string) {
	if r.audit == nil {
		return
	}
	_ = r.audit.Write(types.AuditEntry{
		Kind:       types.AuditKindConnection,
		DeviceID:   deviceID,
		Authorized: true,
		Reason:     event,
	})
}

// IsConnected reports whether deviceID currently has a live connection.
func (r *Registry) IsConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[deviceID]
	return ok
}

// SendTo frames and writes f to deviceID's current socket, serialized with
// any concurrent writer on the same socket. It returns false immediately
// (no blocking queue) if the device is not connected.
func (r *Registry) SendTo(ctx context.Context, deviceID string, f codec.Frame) bool {
	r.mu.Lock()
	e, ok := r.conns[deviceID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	data, err := codec.Encode(f)
	if err != nil {
		return false
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.conn.Socket.WriteText(ctx, data) == nil
}

// Touch records a heartbeat for deviceID, if it is still connected.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[deviceID]; ok {
		e.conn.LastHeartbeat = time.Now().UTC()
	}
}

// All returns a snapshot of every current connection, for the operational
// /api/status read path (SPEC_FULL.md §4.5/§6) — not an interactive UI.
func (r *Registry) All() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Connection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, *e.conn)
	}
	return out
}
