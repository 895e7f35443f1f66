// Package scheduler owns the pipeline run: it tracks stage status, hands
// runnable stages to executors, detects executor loss through heartbeats,
// requeues orphaned work, and persists a checkpoint after every completed
// stage.
//
// All state is mutated behind one mutex. The RPC handlers are thin wrappers
// around these methods, so serializing here gives the single global
// critical section the protocol requires: two concurrent stage requests can
// never be granted the same stage, and a result racing the heartbeat sweep
// resolves deterministically.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/pipegridgo/internal/checkpoint"
	"github.com/vk/pipegridgo/internal/ctxlog"
	"github.com/vk/pipegridgo/internal/graph"
	"github.com/vk/pipegridgo/internal/stage"
)

var (
	// ErrUnknownExecutor is returned for calls naming an executor ID the
	// scheduler has never seen.
	ErrUnknownExecutor = errors.New("unknown executor")
	// ErrExecutorGone is returned when an executor that was marked failed
	// or retired calls in again; the caller should exit.
	ErrExecutorGone = errors.New("executor no longer registered")
	// ErrDraining is returned to registration attempts once the run has
	// reached a terminal state.
	ErrDraining = errors.New("scheduler is shutting down")
)

// Config carries the scheduling policy knobs. Zero values are filled in by
// applyDefaults, mirroring the option defaults of the CLI layer.
type Config struct {
	// LatencyTolerance is the grace period an executor may miss heartbeats
	// for before being presumed dead.
	LatencyTolerance time.Duration
	// MaxFailedExecutors is the failure budget: losing more executors than
	// this aborts the run. Zero tolerates no losses at all; a negative
	// value selects the default of 2.
	MaxFailedExecutors int
	// MaxStageAttempts bounds how often a stage orphaned by executor loss
	// is requeued before the run gives up on it.
	MaxStageAttempts int
	// DefaultJobResources is the resource request applied to stages that
	// did not declare one.
	DefaultJobResources stage.Resources
	// RetryFailedCommands requeues stages whose command exited nonzero,
	// bounded by MaxStageAttempts. Off by default: the scheduler cannot
	// know whether re-running an arbitrary external tool is safe.
	RetryFailedCommands bool
	// MonitorHeartbeats enables the liveness sweep. Disabling it means a
	// crashed executor hangs the run; the option exists for debugging only.
	MonitorHeartbeats bool
}

func (c *Config) applyDefaults() {
	if c.LatencyTolerance <= 0 {
		c.LatencyTolerance = 15 * time.Second
	}
	if c.MaxFailedExecutors < 0 {
		c.MaxFailedExecutors = 2
	}
	if c.MaxStageAttempts <= 0 {
		c.MaxStageAttempts = 3
	}
	if c.DefaultJobResources.MemoryGB <= 0 {
		c.DefaultJobResources.MemoryGB = 1.75
	}
	if c.DefaultJobResources.Procs <= 0 {
		c.DefaultJobResources.Procs = 1
	}
}

// Scheduler is the server-side state machine for one pipeline run.
type Scheduler struct {
	mu sync.Mutex

	cfg          Config
	g            *graph.Graph
	store        *checkpoint.Store // nil disables persistence
	pipelineName string
	createdAt    time.Time

	executors       map[uuid.UUID]*ExecutorRecord
	assignments     map[int]uuid.UUID // stage ID -> executor holding it
	attempts        []int
	failedExecutors int

	stageDone []chan struct{} // closed when the stage completes

	done chan struct{} // closed when the run reaches a terminal state
	err  error         // terminal error, nil on success
}

// New builds a scheduler over a finalized graph. Stages without a resource
// request are given the configured default, and the initial runnable
// frontier is marked.
func New(g *graph.Graph, cfg Config, store *checkpoint.Store, pipelineName string) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:          cfg,
		g:            g,
		store:        store,
		pipelineName: pipelineName,
		createdAt:    time.Now(),
		executors:    make(map[uuid.UUID]*ExecutorRecord),
		assignments:  make(map[int]uuid.UUID),
		attempts:     make([]int, g.Len()),
		stageDone:    make([]chan struct{}, g.Len()),
		done:         make(chan struct{}),
	}
	for i := range s.stageDone {
		s.stageDone[i] = make(chan struct{})
	}
	for _, st := range g.Stages() {
		if st.Resources.MemoryGB <= 0 {
			st.Resources.MemoryGB = cfg.DefaultJobResources.MemoryGB
		}
		if st.Resources.Procs <= 0 {
			st.Resources.Procs = cfg.DefaultJobResources.Procs
		}
	}
	s.promoteFrontierLocked()
	return s
}

// Restore applies a previous run's snapshot: stages recorded completed keep
// that status (after their outputs were verified on disk by the caller),
// everything else starts pending again. Statuses are matched by structural
// fingerprint so a plan that gained or lost stages still resumes correctly.
func (s *Scheduler) Restore(ctx context.Context, rs *checkpoint.RunState) error {
	logger := ctxlog.FromContext(ctx)
	if rs == nil {
		return nil
	}
	if err := rs.Verify(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byFingerprint := make(map[string]int, s.g.Len())
	for _, st := range s.g.Stages() {
		byFingerprint[st.Fingerprint()] = st.ID
	}

	restored := 0
	for _, ss := range rs.Stages {
		id, ok := byFingerprint[ss.Fingerprint]
		if !ok {
			continue // the plan changed; this stage no longer exists
		}
		// Snapshots may be hand-repaired; a duplicated entry must not
		// close the completion channel twice.
		if ss.Status == stage.Completed.String() && s.g.Status(id) != stage.Completed {
			s.g.SetStatus(id, stage.Completed)
			close(s.stageDone[id])
			restored++
		}
		s.attempts[id] = ss.Attempts
	}
	s.failedExecutors = rs.FailedExecutors
	s.createdAt = rs.CreatedAt
	s.promoteFrontierLocked()
	logger.Info("Restored run state from checkpoint.",
		"completed_stages", restored, "total_stages", s.g.Len())

	if s.g.AllCompleted() {
		s.finishLocked(ctx, nil)
	}
	return nil
}

// RegisterExecutor admits a worker and returns its ID. Registration is
// refused once the run is terminal or the failure budget is spent.
func (s *Scheduler) RegisterExecutor(ctx context.Context, capacity stage.Resources, greedy bool) (uuid.UUID, error) {
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminalLocked() {
		return uuid.Nil, ErrDraining
	}

	now := time.Now()
	rec := &ExecutorRecord{
		ID:            uuid.New(),
		Capacity:      capacity,
		Greedy:        greedy,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Assigned:      make(map[int]struct{}),
		Status:        Alive,
	}
	s.executors[rec.ID] = rec
	logger.Info("Executor registered.",
		"executorID", rec.ID, "memory_gb", capacity.MemoryGB, "procs", capacity.Procs, "greedy", greedy)
	return rec.ID, nil
}

// RetireExecutor removes a worker gracefully. Its in-flight stages (there
// should be none for a well-behaved executor) are requeued without counting
// against the failure budget.
func (s *Scheduler) RetireExecutor(ctx context.Context, id uuid.UUID) error {
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executors[id]
	if !ok {
		return ErrUnknownExecutor
	}
	if rec.Status != Alive {
		return nil
	}
	rec.Status = Retired
	s.requeueAssignedLocked(ctx, rec)
	logger.Info("Executor retired.", "executorID", id)
	return nil
}

// RequestStage atomically pops one runnable stage that fits the executor's
// remaining capacity, marks it running, and records the assignment. It
// returns nil when no eligible stage exists; the executor should sleep and
// ask again.
//
// Among eligible stages the one unblocking the most downstream stages wins,
// with submission order as the deterministic tie-break.
func (s *Scheduler) RequestStage(ctx context.Context, id uuid.UUID) (*stage.Stage, error) {
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executors[id]
	if !ok {
		return nil, ErrUnknownExecutor
	}
	if rec.Status != Alive {
		return nil, ErrExecutorGone
	}
	if s.terminalLocked() {
		return nil, ErrDraining
	}

	remaining := rec.remaining(s.g)
	frontier := s.g.RunnableFrontier()
	var eligible []int
	for _, sid := range frontier {
		if remaining.Fits(s.g.Stage(sid).Resources) {
			eligible = append(eligible, sid)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if ua, ub := s.g.UnblockCount(a), s.g.UnblockCount(b); ua != ub {
			return ua > ub
		}
		return a < b
	})

	chosen := eligible[0]
	s.g.SetStatus(chosen, stage.Running)
	rec.Assigned[chosen] = struct{}{}
	s.assignments[chosen] = id
	logger.Debug("Stage dispatched.", "stageID", chosen, "executorID", id,
		"unblocks", s.g.UnblockCount(chosen))
	return s.g.Stage(chosen), nil
}

// ReportResult records the outcome of a dispatched stage. A zero exit code
// completes the stage, promotes newly unblocked dependents and persists a
// checkpoint. A nonzero exit is terminal for the stage and, unless command
// retries are enabled, for the whole pipeline.
//
// Reports from executors the sweep already marked failed are stale: their
// stage was requeued and may be running elsewhere, so the report is
// ignored.
func (s *Scheduler) ReportResult(ctx context.Context, execID uuid.UUID, stageID int, exitCode int, message string) error {
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executors[execID]
	if !ok {
		return ErrUnknownExecutor
	}
	if rec.Status != Alive {
		logger.Warn("Ignoring stale result from lost executor.",
			"executorID", execID, "stageID", stageID)
		return nil
	}
	if _, held := rec.Assigned[stageID]; !held {
		return fmt.Errorf("stage %d is not assigned to executor %s", stageID, execID)
	}
	delete(rec.Assigned, stageID)
	delete(s.assignments, stageID)

	if exitCode == 0 {
		s.g.SetStatus(stageID, stage.Completed)
		close(s.stageDone[stageID])
		s.promoteFrontierLocked()
		logger.Info("Stage completed.", "stageID", stageID, "executorID", execID)
		if err := s.persistLocked(ctx); err != nil {
			s.finishLocked(ctx, fmt.Errorf("persisting checkpoint: %w", err))
			return nil
		}
		if s.g.AllCompleted() {
			s.finishLocked(ctx, nil)
		}
		return nil
	}

	if s.cfg.RetryFailedCommands && s.attempts[stageID] < s.cfg.MaxStageAttempts {
		s.attempts[stageID]++
		s.g.SetStatus(stageID, stage.Runnable)
		logger.Warn("Stage command failed, requeueing by retry policy.",
			"stageID", stageID, "exitCode", exitCode, "attempt", s.attempts[stageID])
		return nil
	}

	s.g.SetStatus(stageID, stage.Failed)
	st := s.g.Stage(stageID)
	logger.Error("Stage command failed.",
		"stageID", stageID, "command", st.Command[0], "exitCode", exitCode, "message", message)
	s.finishLocked(ctx, fmt.Errorf("stage %q (id %d) exited with code %d: %s",
		st.Name(), stageID, exitCode, message))
	return nil
}

// Heartbeat records a liveness signal from an executor.
func (s *Scheduler) Heartbeat(ctx context.Context, id uuid.UUID, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executors[id]
	if !ok {
		return ErrUnknownExecutor
	}
	if rec.Status != Alive {
		return ErrExecutorGone
	}
	if ts.After(rec.LastHeartbeat) {
		rec.LastHeartbeat = ts
	}
	return nil
}

// WaitOutput blocks until the stage producing path has completed, the run
// reaches a terminal state, or ctx is cancelled. It is the collaborator
// interface for fetching final results.
func (s *Scheduler) WaitOutput(ctx context.Context, path string) error {
	id, ok := s.g.Producer(path)
	if !ok {
		return fmt.Errorf("no stage produces %q", path)
	}
	select {
	case <-s.stageDone[id]:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		// Terminal success implies every stage completed.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the run reaches a terminal state.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Err returns the terminal error of the run, nil while it is still going or
// if it succeeded.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot captures the current run state for persistence.
func (s *Scheduler) Snapshot() *checkpoint.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() *checkpoint.RunState {
	return checkpoint.Capture(s.pipelineName, s.createdAt, s.failedExecutors, s.g, s.attempts)
}

func (s *Scheduler) persistLocked(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(s.snapshotLocked())
}

// promoteFrontierLocked marks every pending stage whose dependencies are
// satisfied as runnable.
func (s *Scheduler) promoteFrontierLocked() {
	for _, id := range s.g.RunnableFrontier() {
		if s.g.Status(id) == stage.Pending {
			s.g.SetStatus(id, stage.Runnable)
		}
	}
}

// requeueAssignedLocked reverts an executor's in-flight stages to runnable.
// Each stage is requeued at most MaxStageAttempts times; beyond that the
// run aborts, since work that keeps killing or losing its executor is not
// going to finish by insisting.
func (s *Scheduler) requeueAssignedLocked(ctx context.Context, rec *ExecutorRecord) {
	logger := ctxlog.FromContext(ctx)
	for sid := range rec.Assigned {
		delete(s.assignments, sid)
		s.attempts[sid]++
		if s.attempts[sid] > s.cfg.MaxStageAttempts {
			s.g.SetStatus(sid, stage.Failed)
			s.finishLocked(ctx, fmt.Errorf("stage %q (id %d) lost its executor %d times, giving up",
				s.g.Stage(sid).Name(), sid, s.attempts[sid]))
			continue
		}
		s.g.SetStatus(sid, stage.Runnable)
		logger.Warn("Requeued stage after executor loss.",
			"stageID", sid, "attempt", s.attempts[sid], "executorID", rec.ID)
	}
	rec.Assigned = make(map[int]struct{})
}

func (s *Scheduler) terminalLocked() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// finishLocked transitions the run to its terminal state exactly once and
// flushes a final checkpoint so whatever progress was made survives.
func (s *Scheduler) finishLocked(ctx context.Context, err error) {
	if s.terminalLocked() {
		return
	}
	logger := ctxlog.FromContext(ctx)
	s.err = err
	if perr := s.persistLocked(ctx); perr != nil {
		logger.Error("Failed to flush final checkpoint.", "error", perr)
		if s.err == nil {
			s.err = fmt.Errorf("flushing final checkpoint: %w", perr)
		}
	}
	close(s.done)
	if err != nil {
		logger.Error("Pipeline terminated.", "error", err)
	} else {
		logger.Info("🏁 Pipeline completed.", "stages", s.g.Len())
	}
}
