package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/pipegridgo/internal/checkpoint"
	"github.com/vk/pipegridgo/internal/graph"
	"github.com/vk/pipegridgo/internal/stage"
)

func mustStage(t *testing.T, command string, inputs, outputs []string, res stage.Resources) *stage.Stage {
	t.Helper()
	s, err := stage.New([]string{command}, inputs, outputs, res)
	require.NoError(t, err)
	return s
}

func buildGraph(t *testing.T, stages ...*stage.Stage) *graph.Graph {
	t.Helper()
	g, err := graph.Build(stages)
	require.NoError(t, err)
	return g
}

// chainAB is the canonical two-stage pipeline: A produces x, B consumes it.
func chainAB(t *testing.T) *graph.Graph {
	return buildGraph(t,
		mustStage(t, "a", nil, []string{"x"}, stage.Resources{MemoryGB: 1, Procs: 1}),
		mustStage(t, "b", []string{"x"}, []string{"y"}, stage.Resources{MemoryGB: 1, Procs: 1}),
	)
}

func TestSequentialDispatchTrace(t *testing.T) {
	ctx := context.Background()
	s := New(chainAB(t), Config{MonitorHeartbeats: true}, nil, "test")

	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)

	// First request gets A; B is blocked on it.
	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 0, st.ID)

	// B must not be dispatched while A is still running, even though the
	// executor has spare capacity.
	st2, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, st2)

	require.NoError(t, s.ReportResult(ctx, id, 0, 0, ""))

	st3, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st3)
	assert.Equal(t, 1, st3.ID)

	require.NoError(t, s.ReportResult(ctx, id, 1, 0, ""))

	select {
	case <-s.Done():
	default:
		t.Fatal("pipeline should be terminal after all stages completed")
	}
	assert.NoError(t, s.Err())
}

func TestDispatchPrefersMostUnblocking(t *testing.T) {
	ctx := context.Background()
	// fanout unblocks two stages, loner unblocks none. fanout is planned
	// second, so winning proves the priority is not submission order.
	g := buildGraph(t,
		mustStage(t, "loner", nil, []string{"l"}, stage.Resources{MemoryGB: 1, Procs: 1}),
		mustStage(t, "fanout", nil, []string{"f"}, stage.Resources{MemoryGB: 1, Procs: 1}),
		mustStage(t, "child1", []string{"f"}, []string{"c1"}, stage.Resources{MemoryGB: 1, Procs: 1}),
		mustStage(t, "child2", []string{"f"}, []string{"c2"}, stage.Resources{MemoryGB: 1, Procs: 1}),
	)
	s := New(g, Config{}, nil, "test")
	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 8, Procs: 4}, false)
	require.NoError(t, err)

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "fanout", st.Command[0])
	require.NoError(t, s.ReportResult(ctx, id, st.ID, 0, ""))

	// loner, child1 and child2 now all unblock nothing; the tie falls back
	// to submission order.
	for _, want := range []string{"loner", "child1", "child2"} {
		st, err = s.RequestStage(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, want, st.Command[0])
	}
}

func TestDispatchRespectsRemainingCapacity(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t,
		mustStage(t, "big1", nil, []string{"o1"}, stage.Resources{MemoryGB: 3, Procs: 1}),
		mustStage(t, "big2", nil, []string{"o2"}, stage.Resources{MemoryGB: 3, Procs: 1}),
	)
	s := New(g, Config{}, nil, "test")
	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 4}, false)
	require.NoError(t, err)

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)

	// 1 GB left; the second 3 GB stage must not fit.
	st2, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, st2)
}

func TestGreedyExecutorHoldsWholeCapacity(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t,
		mustStage(t, "s1", nil, []string{"o1"}, stage.Resources{MemoryGB: 1, Procs: 1}),
		mustStage(t, "s2", nil, []string{"o2"}, stage.Resources{MemoryGB: 1, Procs: 1}),
	)
	s := New(g, Config{}, nil, "test")
	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 16, Procs: 8}, true)
	require.NoError(t, err)

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)

	st2, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, st2, "greedy executor must not get a second concurrent stage")
}

func TestHeartbeatSweepRequeuesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	tolerance := 15 * time.Second
	s := New(chainAB(t), Config{LatencyTolerance: tolerance, MaxFailedExecutors: 2, MonitorHeartbeats: true}, nil, "test")

	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)

	t0 := time.Now()
	require.NoError(t, s.Heartbeat(ctx, id, t0))

	// At exactly the tolerance the executor is still within its grace.
	s.Sweep(ctx, t0.Add(tolerance))
	s.mu.Lock()
	assert.Equal(t, Alive, s.executors[id].Status)
	s.mu.Unlock()

	// One instant past it, the executor fails and its stage is requeued.
	s.Sweep(ctx, t0.Add(tolerance+time.Millisecond))
	s.mu.Lock()
	assert.Equal(t, Failed, s.executors[id].Status)
	assert.Equal(t, stage.Runnable, s.g.Status(st.ID))
	assert.Equal(t, 1, s.attempts[st.ID])
	s.mu.Unlock()

	// A second sweep must not requeue (or count) the same loss again.
	s.Sweep(ctx, t0.Add(tolerance+time.Hour))
	s.mu.Lock()
	assert.Equal(t, 1, s.attempts[st.ID])
	assert.Equal(t, 1, s.failedExecutors)
	s.mu.Unlock()

	// A replacement executor picks the stage back up.
	id2, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)
	st2, err := s.RequestStage(ctx, id2)
	require.NoError(t, err)
	require.NotNil(t, st2)
	assert.Equal(t, st.ID, st2.ID)
}

func TestStaleResultFromSweptExecutorIsIgnored(t *testing.T) {
	ctx := context.Background()
	tolerance := 10 * time.Second
	s := New(chainAB(t), Config{LatencyTolerance: tolerance, MaxFailedExecutors: 2, MonitorHeartbeats: true}, nil, "test")

	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)
	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)

	t0 := time.Now()
	require.NoError(t, s.Heartbeat(ctx, id, t0))
	s.Sweep(ctx, t0.Add(tolerance+time.Second))

	// The swept executor's late result must not complete the stage: it was
	// requeued and may be running elsewhere by now.
	require.NoError(t, s.ReportResult(ctx, id, st.ID, 0, ""))
	s.mu.Lock()
	assert.Equal(t, stage.Runnable, s.g.Status(st.ID))
	s.mu.Unlock()
}

func TestSweepDisabledLeavesLateExecutorsAlive(t *testing.T) {
	ctx := context.Background()
	tolerance := 5 * time.Second
	// MonitorHeartbeats off: failure detection is disabled entirely, so
	// even an arbitrarily overdue executor keeps its stage.
	s := New(chainAB(t), Config{LatencyTolerance: tolerance, MaxFailedExecutors: 2}, nil, "test")

	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)
	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)

	t0 := time.Now()
	require.NoError(t, s.Heartbeat(ctx, id, t0))
	s.Sweep(ctx, t0.Add(time.Hour))

	s.mu.Lock()
	assert.Equal(t, Alive, s.executors[id].Status)
	assert.Equal(t, 0, s.failedExecutors)
	assert.Equal(t, stage.Running, s.g.Status(st.ID))
	s.mu.Unlock()

	select {
	case <-s.Done():
		t.Fatal("run must not terminate while monitoring is off")
	default:
	}
}

func TestZeroFailureBudgetAbortsOnFirstLoss(t *testing.T) {
	ctx := context.Background()
	tolerance := 5 * time.Second
	// MaxFailedExecutors zero: losing a single executor is fatal.
	s := New(chainAB(t), Config{LatencyTolerance: tolerance, MonitorHeartbeats: true}, nil, "test")

	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)

	t0 := time.Now()
	require.NoError(t, s.Heartbeat(ctx, id, t0))
	s.Sweep(ctx, t0.Add(tolerance+time.Second))

	select {
	case <-s.Done():
	default:
		t.Fatal("a zero failure budget must terminate on the first loss")
	}
	require.Error(t, s.Err())
	assert.ErrorContains(t, s.Err(), "failure budget")
}

func TestFailureBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	tolerance := 5 * time.Second
	s := New(chainAB(t), Config{LatencyTolerance: tolerance, MaxFailedExecutors: 1, MonitorHeartbeats: true}, nil, "test")

	t0 := time.Now()
	for i := 0; i < 2; i++ {
		id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
		require.NoError(t, err)
		require.NoError(t, s.Heartbeat(ctx, id, t0))
	}

	s.Sweep(ctx, t0.Add(tolerance+time.Second))

	select {
	case <-s.Done():
	default:
		t.Fatal("exceeding the failure budget must terminate the run")
	}
	require.Error(t, s.Err())
	assert.ErrorContains(t, s.Err(), "failure budget")

	// No further admissions once the run is terminal.
	_, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	assert.ErrorIs(t, err, ErrDraining)
}

func TestCommandFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := New(chainAB(t), Config{}, nil, "test")
	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)

	require.NoError(t, s.ReportResult(ctx, id, st.ID, 1, "segfault"))
	select {
	case <-s.Done():
	default:
		t.Fatal("command failure must terminate the run by default")
	}
	require.Error(t, s.Err())
	assert.ErrorContains(t, s.Err(), "exited with code 1")
}

func TestCommandFailureRetriedWhenConfigured(t *testing.T) {
	ctx := context.Background()
	s := New(chainAB(t), Config{RetryFailedCommands: true, MaxStageAttempts: 2}, nil, "test")
	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)

	require.NoError(t, s.ReportResult(ctx, id, st.ID, 1, "flaky"))
	s.mu.Lock()
	assert.Equal(t, stage.Runnable, s.g.Status(st.ID))
	s.mu.Unlock()
	assert.NoError(t, s.Err())
}

func TestOversizedStageStallIsDiagnosed(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t,
		mustStage(t, "huge", nil, []string{"h"}, stage.Resources{MemoryGB: 64, Procs: 1}),
	)
	s := New(g, Config{MonitorHeartbeats: true}, nil, "test")

	for i := 0; i < 2; i++ {
		_, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 8, Procs: 4}, false)
		require.NoError(t, err)
	}

	s.Sweep(ctx, time.Now())

	select {
	case <-s.Done():
	default:
		t.Fatal("an undispatchable stage must surface a resource mismatch")
	}
	require.Error(t, s.Err())
	assert.ErrorContains(t, s.Err(), "no registered executor can fit")
}

func TestRestoreSkipsCompletedStages(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	outA := filepath.Join(dir, "a.out")
	outB := filepath.Join(dir, "b.out")
	require.NoError(t, os.WriteFile(outA, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(outB, []byte("b"), 0o644))

	build := func() *graph.Graph {
		return buildGraph(t,
			mustStage(t, "a", nil, []string{outA}, stage.Resources{MemoryGB: 1, Procs: 1}),
			mustStage(t, "b", nil, []string{outB}, stage.Resources{MemoryGB: 1, Procs: 1}),
			mustStage(t, "c", []string{outA, outB}, []string{filepath.Join(dir, "c.out")}, stage.Resources{MemoryGB: 1, Procs: 1}),
		)
	}

	// First run: complete a and b, then "crash".
	g1 := build()
	g1.SetStatus(0, stage.Completed)
	g1.SetStatus(1, stage.Completed)
	rs := checkpoint.Capture("test", time.Now(), 0, g1, nil)

	// Restarted run resumes with c immediately runnable.
	s2 := New(build(), Config{}, nil, "test")
	require.NoError(t, s2.Restore(ctx, rs))

	id, err := s2.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)
	st, err := s2.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "c", st.Command[0], "a and b must not be re-executed")
}

func TestRestoreToleratesDuplicateCheckpointEntries(t *testing.T) {
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "a.out")
	require.NoError(t, os.WriteFile(out, []byte("a"), 0o644))

	g := buildGraph(t,
		mustStage(t, "a", nil, []string{out}, stage.Resources{MemoryGB: 1, Procs: 1}),
	)
	s := New(g, Config{}, nil, "test")

	// Snapshots are YAML so operators can hand-repair them; a duplicated
	// entry must restore cleanly instead of panicking on a double close.
	entry := checkpoint.StageState{
		ID:          0,
		Fingerprint: g.Stage(0).Fingerprint(),
		Status:      "completed",
		Outputs:     []string{out},
	}
	rs := &checkpoint.RunState{
		Version:      checkpoint.Version,
		PipelineName: "test",
		CreatedAt:    time.Now(),
		Stages:       []checkpoint.StageState{entry, entry},
	}

	require.NoError(t, s.Restore(ctx, rs))
	select {
	case <-s.Done():
	default:
		t.Fatal("a fully completed snapshot should finish the run on restore")
	}
	assert.NoError(t, s.Err())
}

func TestRestoreRejectsInconsistentCheckpoint(t *testing.T) {
	ctx := context.Background()
	missing := filepath.Join(t.TempDir(), "never-written.out")

	g := buildGraph(t,
		mustStage(t, "a", nil, []string{missing}, stage.Resources{MemoryGB: 1, Procs: 1}),
	)
	gDone := buildGraph(t,
		mustStage(t, "a", nil, []string{missing}, stage.Resources{MemoryGB: 1, Procs: 1}),
	)
	gDone.SetStatus(0, stage.Completed)
	rs := checkpoint.Capture("test", time.Now(), 0, gDone, nil)

	s := New(g, Config{}, nil, "test")
	err := s.Restore(ctx, rs)
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrInconsistent)
}

func TestWaitOutput(t *testing.T) {
	ctx := context.Background()
	s := New(chainAB(t), Config{}, nil, "test")
	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- s.WaitOutput(ctx, "x")
	}()

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.ReportResult(ctx, id, st.ID, 0, ""))

	select {
	case err := <-waitErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitOutput did not return after the producing stage completed")
	}

	assert.Error(t, s.WaitOutput(ctx, "not-a-declared-output"))
}

func TestCheckpointPersistedOnCompletion(t *testing.T) {
	ctx := context.Background()
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)

	s := New(chainAB(t), Config{}, store, "test")
	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.ReportResult(ctx, id, st.ID, 0, ""))

	rs, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, "completed", rs.Stages[st.ID].Status)
}

func TestRetireRequeuesInFlightWork(t *testing.T) {
	ctx := context.Background()
	s := New(chainAB(t), Config{}, nil, "test")
	id, err := s.RegisterExecutor(ctx, stage.Resources{MemoryGB: 4, Procs: 2}, false)
	require.NoError(t, err)

	st, err := s.RequestStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)

	require.NoError(t, s.RetireExecutor(ctx, id))
	s.mu.Lock()
	assert.Equal(t, Retired, s.executors[id].Status)
	assert.Equal(t, stage.Runnable, s.g.Status(st.ID))
	// Graceful retirement does not count against the failure budget.
	assert.Equal(t, 0, s.failedExecutors)
	s.mu.Unlock()

	_, err = s.RequestStage(ctx, id)
	assert.ErrorIs(t, err, ErrExecutorGone)
}
