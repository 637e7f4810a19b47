// Package brokerserver exposes the Dispatcher (C7) over HTTP and accepts
// endpoint agent WebSocket connections, wiring together every broker-side
// component (C1-C2, C5-C10) into one process per SPEC_FULL.md §6's
// external interfaces.
package brokerserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawinfra/toolfabric/internal/audit"
	"github.com/clawinfra/toolfabric/internal/callerauth"
	"github.com/clawinfra/toolfabric/internal/connregistry"
	"github.com/clawinfra/toolfabric/internal/dispatcher"
	"github.com/clawinfra/toolfabric/internal/identity"
	"github.com/clawinfra/toolfabric/internal/idle"
	"github.com/clawinfra/toolfabric/internal/types"
)

// Server is the broker's HTTP/WebSocket frontend.
type Server struct {
	addr       string
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	conns      *connregistry.Registry
	devices    *identity.BrokerStore
	auditSink  *audit.Sink
	idleCheck  idle.Checker // optional
	jwtSecret  []byte
	httpServer *http.Server
}

// New builds a Server. idleCheck may be nil, in which case every tool
// whose policy requires idle is denied (fail closed, matching authz's own
// "unknown idle state" handling).
func New(addr string, d *dispatcher.Dispatcher, conns *connregistry.Registry, devices *identity.BrokerStore, auditSink *audit.Sink, idleCheck idle.Checker, jwtSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		logger:     logger.With("component", "brokerserver"),
		dispatcher: d,
		conns:      conns,
		devices:    devices,
		auditSink:  auditSink,
		idleCheck:  idleCheck,
		jwtSecret:  jwtSecret,
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails to start.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/dispatch", callerauth.Middleware(s.jwtSecret)(http.HandlerFunc(s.handleDispatch)))
	mux.Handle("/api/status", callerauth.Middleware(s.jwtSecret)(http.HandlerFunc(s.handleStatus)))
	mux.HandleFunc("/ws/device/", s.handleDeviceSocket)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived WS connections
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("broker listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type dispatchRequest struct {
	Invocation     types.ToolInvocation `json:"invocation"`
	TargetDeviceID string               `json:"target_device_id"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	claims, err := callerauth.FromContext(r.Context())
	if err != nil {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"invalid request body: %s"}`, err.Error()), http.StatusBadRequest)
		return
	}
	req.Invocation.Role = claims.Role

	result := s.dispatcher.Dispatch(r.Context(), req.Invocation, req.TargetDeviceID, s.signals())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) signals() types.Signals {
	if s.idleCheck == nil {
		return types.Signals{}
	}
	idleNow, ok := s.idleCheck.IsUserIdle()
	if !ok {
		return types.Signals{}
	}
	return types.Signals{IsUserIdle: &idleNow}
}

type statusResponse struct {
	Connections []connregistry.Connection `json:"connections"`
	RecentAudit []types.AuditEntry        `json:"recent_audit"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.auditSink.Recent(types.AuditKindExecution, 50)
	if err != nil {
		s.logger.Warn("failed to read recent audit entries", "error", err)
	}

	resp := statusResponse{Connections: s.conns.All(), RecentAudit: entries}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleDeviceSocket upgrades /ws/device/{device_id} and runs the
// broker-side half of the wire protocol (SPEC_FULL.md §4.9/§4.4):
// authenticate first, then route heartbeats/pings/tool_result frames
// until the socket closes.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimPrefix(r.URL.Path, "/ws/device/")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	s.acceptDeviceSocket(w, r, deviceID)
}
