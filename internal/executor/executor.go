// Package executor implements the worker process: it registers with the
// scheduler, pulls runnable stages that fit its capacity, runs them as
// subprocesses, and reports results. A heartbeat goroutine keeps the server
// convinced the worker is alive no matter how long a stage runs.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vk/pipegridgo/internal/ctxlog"
	"github.com/vk/pipegridgo/internal/server"
	"github.com/vk/pipegridgo/internal/stage"
)

// Config controls one executor process.
type Config struct {
	// ServerURL is the scheduler's base URL.
	ServerURL string
	// Capacity is the memory and processor budget this executor offers.
	Capacity stage.Resources
	// Greedy reserves the full capacity per granted stage, for whole-node
	// allocations where partial accounting just fragments the node.
	Greedy bool
	// PollInterval is the sleep between unsuccessful stage requests.
	PollInterval time.Duration
	// HeartbeatInterval must be well below the server's latency tolerance;
	// the app layer derives it from the tolerance.
	HeartbeatInterval time.Duration
	// TimeToSeppuku is how long the executor may stay continuously idle
	// before deregistering and exiting to free its compute allocation.
	// Zero disables idle self-termination.
	TimeToSeppuku time.Duration
	// TimeToAcceptJobs is the uptime after which no new stages are
	// requested; in-flight work finishes and the executor exits. Zero
	// means no window.
	TimeToAcceptJobs time.Duration
	// LogDir receives per-stage command output files. Empty discards output.
	LogDir string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.Capacity.Procs <= 0 {
		c.Capacity.Procs = 1
	}
	if c.Capacity.MemoryGB <= 0 {
		c.Capacity.MemoryGB = 6
	}
}

// Executor is one worker process's state.
type Executor struct {
	cfg    Config
	client *server.Client
	id     string

	mu       sync.Mutex
	inflight map[int]stage.Resources

	wg sync.WaitGroup
}

// New builds an executor from config.
func New(cfg Config) *Executor {
	cfg.applyDefaults()
	return &Executor{
		cfg:      cfg,
		client:   server.NewClient(cfg.ServerURL),
		inflight: make(map[int]stage.Resources),
	}
}

// Run registers with the server and processes stages until the context is
// cancelled, the server writes this executor off, the accept window closes,
// or the idle budget runs out. It returns nil for all graceful exits.
func (e *Executor) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	id, err := e.client.Register(ctx, e.cfg.Capacity, e.cfg.Greedy)
	if err != nil {
		return err
	}
	e.id = id
	logger = logger.With("executorID", id)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Info("Registered with scheduler.",
		"memory_gb", e.cfg.Capacity.MemoryGB, "procs", e.cfg.Capacity.Procs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.heartbeatLoop(runCtx, cancel)

	started := time.Now()
	lastBusy := started
	accepting := true

	for {
		if runCtx.Err() != nil {
			break
		}

		if accepting && e.cfg.TimeToAcceptJobs > 0 && time.Since(started) > e.cfg.TimeToAcceptJobs {
			logger.Info("Accept window expired, draining in-flight stages.",
				"uptime", time.Since(started))
			accepting = false
		}
		if !accepting {
			if e.inflightCount() == 0 {
				break
			}
			sleep(runCtx, e.cfg.PollInterval)
			continue
		}

		if e.inflightCount() > 0 {
			lastBusy = time.Now()
		} else if e.cfg.TimeToSeppuku > 0 && time.Since(lastBusy) > e.cfg.TimeToSeppuku {
			logger.Info("Idle too long, committing seppuku to free the allocation.",
				"idle", time.Since(lastBusy))
			break
		}

		if !e.hasFreeCapacity() {
			sleep(runCtx, e.cfg.PollInterval)
			continue
		}

		st, granted, err := e.client.RequestStage(runCtx, e.id)
		switch {
		case errors.Is(err, server.ErrGone), errors.Is(err, server.ErrDraining):
			logger.Info("Server dismissed this executor.", "reason", err)
			cancel()
		case err != nil:
			if runCtx.Err() == nil {
				logger.Warn("Stage request failed, will retry.", "error", err)
				sleep(runCtx, e.cfg.PollInterval)
			}
		case !granted:
			sleep(runCtx, e.cfg.PollInterval)
		default:
			lastBusy = time.Now()
			e.track(st)
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer e.untrack(st.ID)
				e.runAndReport(runCtx, st)
			}()
		}
	}

	// Let in-flight stages finish; dispatched work runs to completion even
	// when this executor is on its way out.
	e.wg.Wait()

	retireCtx, retireCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer retireCancel()
	if err := e.client.Retire(retireCtx, e.id); err != nil && !errors.Is(err, server.ErrGone) {
		logger.Warn("Failed to deregister cleanly.", "error", err)
	}
	logger.Info("Executor exiting.")
	return nil
}

// heartbeatLoop sends liveness pings on a fixed interval regardless of work
// state. A 410 means the server already presumed us dead; continuing to run
// stages would only produce stale results, so we cancel the run.
func (e *Executor) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	logger := ctxlog.FromContext(ctx)
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.client.Heartbeat(ctx, e.id, time.Now())
			if errors.Is(err, server.ErrGone) {
				logger.Error("Server declared this executor dead; shutting down.")
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("Heartbeat delivery failed.", "error", err)
			}
		}
	}
}

func (e *Executor) track(st *stage.Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[st.ID] = st.Resources
}

func (e *Executor) untrack(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func (e *Executor) inflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// hasFreeCapacity reports whether another stage could possibly fit. The
// server does the authoritative fitting; this only avoids pointless
// requests while saturated. Greedy executors hold the whole node per stage.
func (e *Executor) hasFreeCapacity() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.Greedy {
		return len(e.inflight) == 0
	}
	used := stage.Resources{}
	for _, r := range e.inflight {
		used = used.Add(r)
	}
	return used.Procs < e.cfg.Capacity.Procs && used.MemoryGB < e.cfg.Capacity.MemoryGB
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
