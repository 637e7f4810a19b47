package waiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/toolfabric/internal/types"
)

func TestDeliverThenAwait(t *testing.T) {
	s := New()
	if err := s.RegisterCall("c1", "d1"); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		if !s.Deliver("c1", types.ToolResult{ID: "c1", Status: types.StatusSuccess}) {
			t.Error("expected delivery to succeed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, outcome := s.AwaitResult(ctx, "c1")
	if outcome != OutcomeDelivered {
		t.Fatalf("expected delivered, got %v", outcome)
	}
	if res.ID != "c1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDuplicateCallIDRejected(t *testing.T) {
	s := New()
	if err := s.RegisterCall("c1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterCall("c1", "d1"); err != ErrDuplicateCallID {
		t.Fatalf("expected ErrDuplicateCallID, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	s := New()
	if err := s.RegisterCall("c1", "d1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, outcome := s.AwaitResult(ctx, "c1")
	if outcome != OutcomeTimeout {
		t.Fatalf("expected timeout, got %v", outcome)
	}
	if s.Pending("c1") {
		t.Fatal("waiter should be removed after AwaitResult returns")
	}
}

func TestDuplicateDeliveryDropped(t *testing.T) {
	s := New()
	if err := s.RegisterCall("c1", "d1"); err != nil {
		t.Fatal(err)
	}

	first := s.Deliver("c1", types.ToolResult{ID: "c1", Status: types.StatusSuccess})
	second := s.Deliver("c1", types.ToolResult{ID: "c1", Status: types.StatusSuccess})
	if !first {
		t.Fatal("first delivery should succeed")
	}
	if second {
		t.Fatal("second delivery must be dropped (I2)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, outcome := s.AwaitResult(ctx, "c1")
	if outcome != OutcomeDelivered {
		t.Fatalf("expected delivered, got %v", outcome)
	}
}

func TestDeliverUnknownCallReturnsFalse(t *testing.T) {
	s := New()
	if s.Deliver("missing", types.ToolResult{}) {
		t.Fatal("expected delivery to an unknown call_id to fail")
	}
}

func TestCancelDevice(t *testing.T) {
	s := New()
	if err := s.RegisterCall("c1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterCall("c2", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterCall("c3", "d2"); err != nil {
		t.Fatal(err)
	}

	s.CancelDevice("d1")

	// c1/c2 should wake immediately as cancelled (resultCh never fires, but
	// done.Do blocks any future Deliver).
	if s.Deliver("c1", types.ToolResult{}) {
		t.Fatal("c1 should be cancelled, not deliverable")
	}
	if s.Deliver("c2", types.ToolResult{}) {
		t.Fatal("c2 should be cancelled, not deliverable")
	}
	if !s.Deliver("c3", types.ToolResult{}) {
		t.Fatal("c3 belongs to a different device and should still be deliverable")
	}
}

func TestCancelDeviceWakesBlockedAwaitImmediately(t *testing.T) {
	s := New()
	if err := s.RegisterCall("c1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterCall("c2", "d2"); err != nil {
		t.Fatal(err)
	}

	type awaited struct {
		outcome Outcome
		elapsed time.Duration
	}
	results := make(chan awaited, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		start := time.Now()
		_, outcome := s.AwaitResult(ctx, "c1")
		results <- awaited{outcome: outcome, elapsed: time.Since(start)}
	}()

	time.Sleep(20 * time.Millisecond)
	s.CancelDevice("d1")

	select {
	case r := <-results:
		if r.outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled, got %v", r.outcome)
		}
		if r.elapsed > time.Second {
			t.Fatalf("AwaitResult should wake immediately on cancellation, took %v", r.elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitResult did not wake up on CancelDevice — blocked toward the full timeout")
	}

	// c2 belongs to a different device and must remain unaffected.
	if !s.Deliver("c2", types.ToolResult{ID: "c2", Status: types.StatusSuccess}) {
		t.Fatal("c2 should still be deliverable")
	}
}

func TestCancelWakesBlockedAwaitImmediately(t *testing.T) {
	s := New()
	if err := s.RegisterCall("c1", "d1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan Outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, outcome := s.AwaitResult(ctx, "c1")
		done <- outcome
	}()

	time.Sleep(20 * time.Millisecond)
	s.Cancel("c1")

	select {
	case outcome := <-done:
		if outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitResult did not wake up on Cancel")
	}
}

func TestExactlyOneWakeupUnderRace(t *testing.T) {
	s := New()
	if err := s.RegisterCall("c1", "d1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	successes := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successes <- s.Deliver("c1", types.ToolResult{ID: "c1", Status: types.StatusSuccess})
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for ok := range successes {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful delivery, got %d", count)
	}
}
