package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vk/pipegridgo/internal/ctxlog"
)

// Sweep performs one liveness pass at the given instant: executors whose
// last heartbeat is older than the latency tolerance are marked failed,
// their in-flight stages are requeued, and the failure budget is enforced.
// It also checks for the silent-stall condition where runnable work exists
// that no live executor could ever fit.
//
// Sweep is exported separately from RunSweeper so tests can drive time.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.MonitorHeartbeats || s.terminalLocked() {
		return
	}

	for _, rec := range s.executors {
		if rec.Status != Alive {
			continue
		}
		if age := now.Sub(rec.LastHeartbeat); age > s.cfg.LatencyTolerance {
			rec.Status = Failed
			s.failedExecutors++
			logger.Warn("Executor presumed dead, heartbeat overdue.",
				"executorID", rec.ID, "age", age, "tolerance", s.cfg.LatencyTolerance,
				"failed_total", s.failedExecutors)
			s.requeueAssignedLocked(ctx, rec)
		}
	}

	if s.failedExecutors > s.cfg.MaxFailedExecutors {
		s.finishLocked(ctx, fmt.Errorf(
			"lost %d executors, exceeding the failure budget of %d: the pipeline cannot make progress reliably",
			s.failedExecutors, s.cfg.MaxFailedExecutors))
		return
	}

	s.checkStallLocked(ctx)
}

// checkStallLocked surfaces the case where the frontier is non-empty, no
// stage is in flight, and no live executor's total capacity fits any
// frontier stage. Without this check such a run would idle forever with no
// diagnostic.
func (s *Scheduler) checkStallLocked(ctx context.Context) {
	if len(s.assignments) > 0 {
		return
	}
	frontier := s.g.RunnableFrontier()
	if len(frontier) == 0 {
		return
	}

	var alive []*ExecutorRecord
	for _, rec := range s.executors {
		if rec.Status == Alive {
			alive = append(alive, rec)
		}
	}
	if len(alive) == 0 {
		return // no executors yet; not a mismatch, just early
	}

	var oversized []string
	for _, sid := range frontier {
		res := s.g.Stage(sid).Resources
		fits := false
		for _, rec := range alive {
			if rec.Capacity.Fits(res) {
				fits = true
				break
			}
		}
		if !fits {
			oversized = append(oversized, fmt.Sprintf("%s (%.2f GB, %d procs)",
				s.g.Stage(sid).Name(), res.MemoryGB, res.Procs))
		}
	}
	if len(oversized) == len(frontier) {
		s.finishLocked(ctx, fmt.Errorf(
			"no registered executor can fit any runnable stage: %s",
			strings.Join(oversized, ", ")))
	}
}

// RunSweeper drives Sweep on a fixed interval until the run terminates or
// ctx is cancelled.
func (s *Scheduler) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.LatencyTolerance / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}
