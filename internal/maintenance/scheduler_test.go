package maintenance

import (
	"testing"
	"time"

	"github.com/clawinfra/toolfabric/internal/audit"
	"github.com/clawinfra/toolfabric/internal/types"
	"github.com/clawinfra/toolfabric/internal/waiter"
)

func TestRunExpirySweepNowExpiresOverdueWaiters(t *testing.T) {
	w := waiter.New()
	if err := w.RegisterCall("call-1", "device-1"); err != nil {
		t.Fatal(err)
	}

	sink, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	deadlines := func() map[string]time.Time {
		return map[string]time.Time{"call-1": time.Now().Add(-time.Minute)}
	}

	s := New(w, sink, deadlines, 30)
	s.RunExpirySweepNow()

	stats := s.Stats()
	if stats.ExpirySweeps != 1 || stats.ExpiredWaiters != 1 {
		t.Fatalf("unexpected stats after sweep: %+v", stats)
	}
	// ExpireOlderThan cancels the waiter; a late Deliver must be dropped even
	// though nothing was awaiting it to trigger removal from the store.
	if w.Deliver("call-1", types.ToolResult{ID: "call-1", Status: types.StatusSuccess}) {
		t.Fatal("expected delivery to a cancelled call to be dropped")
	}
}

func TestRunPruneNowUpdatesStats(t *testing.T) {
	sink, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	if err := sink.Write(types.AuditEntry{Kind: types.AuditKindExecution, Status: types.StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	s := New(waiter.New(), sink, nil, 30)
	s.RunPruneNow()

	stats := s.Stats()
	if stats.PruneRuns != 1 || stats.PruneErrors != 0 {
		t.Fatalf("unexpected stats after prune: %+v", stats)
	}
	if stats.LastPruneAt.IsZero() {
		t.Fatal("expected LastPruneAt to be set")
	}
}

func TestStartRegistersJobsWithoutError(t *testing.T) {
	sink, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	s := New(waiter.New(), sink, nil, 30)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Stop()
}
