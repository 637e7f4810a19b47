// Package waiter implements the Correlation / Waiter Store (C6): a
// one-shot slot per in-flight call_id that a dispatch parks on awaiting its
// matching tool_result, enforcing invariant I2 (exactly one of delivered,
// timed out, cancelled).
package waiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clawinfra/toolfabric/internal/types"
)

// Outcome distinguishes how an awaited call concluded.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeTimeout
	OutcomeCancelled
)

// ErrDuplicateCallID is a programmer error: call_id collided with one
// already registered and still pending.
var ErrDuplicateCallID = errors.New("duplicate call_id")

type call struct {
	resultCh chan types.ToolResult
	cancelCh chan struct{}
	done     sync.Once
	deviceID string
}

// Store holds all pending calls, keyed by call_id.
type Store struct {
	mu    sync.Mutex
	calls map[string]*call
}

// New returns an empty Store.
func New() *Store {
	return &Store{calls: make(map[string]*call)}
}

// RegisterCall creates a waiter for call_id bound to deviceID. The caller
// must own a unique call_id; a collision with a still-pending call is
// ErrDuplicateCallID.
func (s *Store) RegisterCall(callID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[callID]; exists {
		return ErrDuplicateCallID
	}
	s.calls[callID] = &call{
		resultCh: make(chan types.ToolResult, 1),
		cancelCh: make(chan struct{}),
		deviceID: deviceID,
	}
	return nil
}

// AwaitResult blocks until the call is delivered, its deadline (carried by
// ctx) expires, or it is explicitly cancelled — cancellation wakes it
// immediately rather than waiting out ctx's deadline (the resolved Open
// Question favoring proactive cancellation on device replacement/shutdown).
// The waiter is always removed from the store before returning.
func (s *Store) AwaitResult(ctx context.Context, callID string) (types.ToolResult, Outcome) {
	s.mu.Lock()
	c, ok := s.calls[callID]
	s.mu.Unlock()
	if !ok {
		return types.ToolResult{}, OutcomeCancelled
	}

	defer s.remove(callID)

	select {
	case res := <-c.resultCh:
		return res, OutcomeDelivered
	case <-c.cancelCh:
		return types.ToolResult{}, OutcomeCancelled
	case <-ctx.Done():
		return types.ToolResult{}, OutcomeTimeout
	}
}

// Deliver hands a result to the waiter for call_id. It returns false if the
// call is unknown or already completed — the caller must log and drop the
// result (I2, I3), never deliver twice.
func (s *Store) Deliver(callID string, result types.ToolResult) bool {
	s.mu.Lock()
	c, ok := s.calls[callID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	delivered := false
	c.done.Do(func() {
		c.resultCh <- result
		delivered = true
	})
	return delivered
}

// Cancel abandons a pending call (e.g. send failure, shutdown, or a device
// being replaced by a newer connection). Closing cancelCh wakes a blocked
// AwaitResult immediately with OutcomeCancelled, and done.Do ensures no late
// Deliver can still succeed.
func (s *Store) Cancel(callID string) {
	s.mu.Lock()
	c, ok := s.calls[callID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.done.Do(func() { close(c.cancelCh) })
}

// CancelDevice cancels every call currently pending against deviceID,
// waking each one's AwaitResult immediately instead of leaving it to time
// out. Used when the Connection Registry replaces a device's socket (the
// resolved Open Question favoring proactive cancellation).
func (s *Store) CancelDevice(deviceID string) {
	s.mu.Lock()
	var toCancel []*call
	for _, c := range s.calls {
		if c.deviceID == deviceID {
			toCancel = append(toCancel, c)
		}
	}
	s.mu.Unlock()

	for _, c := range toCancel {
		c.done.Do(func() { close(c.cancelCh) })
	}
}

// Pending reports whether call_id is still awaiting a result.
func (s *Store) Pending(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calls[callID]
	return ok
}

// ExpireOlderThan removes and cancels every pending call whose deadline
// has already passed, per the deadline given by the caller for each
// call_id. It is a defense-in-depth sweep, not the primary timeout
// mechanism (AwaitResult's ctx already enforces the deadline per call); see
// internal/maintenance.
func (s *Store) ExpireOlderThan(deadlines map[string]time.Time, now time.Time) int {
	s.mu.Lock()
	var expired []string
	for callID, deadline := range deadlines {
		if _, ok := s.calls[callID]; ok && now.After(deadline) {
			expired = append(expired, callID)
		}
	}
	s.mu.Unlock()

	for _, callID := range expired {
		s.Cancel(callID)
	}
	return len(expired)
}

func (s *Store) remove(callID string) {
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
}
