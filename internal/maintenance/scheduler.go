// Package maintenance runs the broker's two housekeeping jobs — a waiter
// expiry sweep (defense-in-depth behind each dispatch's own deadline) and
// audit log rotation/retention — on a calendar-aware cron schedule.
package maintenance

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/toolfabric/internal/audit"
	"github.com/clawinfra/toolfabric/internal/waiter"
)

// Stats summarizes how many maintenance runs have occurred and their
// outcomes, mirroring the teacher's GetStats-style snapshot.
type Stats struct {
	ExpirySweeps   int64
	ExpiredWaiters int64
	PruneRuns      int64
	PruneErrors    int64
	LastPruneAt    time.Time
	LastSweepAt    time.Time
}

// Scheduler drives the waiter-expiry sweep and audit prune jobs.
type Scheduler struct {
	cron       *cron.Cron
	waiters    *waiter.Store
	auditSink  *audit.Sink
	deadlines  DeadlineSource
	retainDays int

	mu    sync.Mutex
	stats Stats
}

// DeadlineSource supplies the (call_id -> deadline) map the expiry sweep
// checks. The dispatcher is the natural implementation: it knows every
// call_id it registered and the policy timeout used for its deadline.
type DeadlineSource func() map[string]time.Time

// New builds a Scheduler. retainDays is the audit log retention window
// (SPEC_FULL.md §2.2).
func New(waiters *waiter.Store, auditSink *audit.Sink, deadlines DeadlineSource, retainDays int) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		waiters:    waiters,
		auditSink:  auditSink,
		deadlines:  deadlines,
		retainDays: retainDays,
	}
}

// Start registers both jobs and begins the cron loop. The expiry sweep
// runs every minute; the prune job runs once daily at 03:17 UTC (an
// off-the-hour time chosen to avoid herding with other daily jobs).
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", s.runExpirySweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("17 3 * * *", s.runPrune); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop drains in-flight jobs and halts the cron loop.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runExpirySweep() {
	if s.deadlines == nil {
		return
	}
	deadlines := s.deadlines()
	expired := s.waiters.ExpireOlderThan(deadlines, time.Now())

	s.mu.Lock()
	s.stats.ExpirySweeps++
	s.stats.ExpiredWaiters += int64(expired)
	s.stats.LastSweepAt = time.Now().UTC()
	s.mu.Unlock()

	if expired > 0 {
		slog.Info("waiter expiry sweep", "expired", expired)
	}
}

func (s *Scheduler) runPrune() {
	err := s.auditSink.Prune(s.retainDays)

	s.mu.Lock()
	s.stats.PruneRuns++
	s.stats.LastPruneAt = time.Now().UTC()
	if err != nil {
		s.stats.PruneErrors++
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("audit log prune failed", "error", err)
	} else {
		slog.Info("audit log prune completed", "retain_days", s.retainDays)
	}
}

// Stats returns a snapshot of maintenance run counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RunPruneNow triggers the prune job immediately, bypassing its schedule.
func (s *Scheduler) RunPruneNow() {
	s.runPrune()
}

// RunExpirySweepNow triggers the expiry sweep immediately.
func (s *Scheduler) RunExpirySweepNow() {
	s.runExpirySweep()
}
