package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vk/pipegridgo/internal/checkpoint"
	"github.com/vk/pipegridgo/internal/ctxlog"
	"github.com/vk/pipegridgo/internal/executor"
	"github.com/vk/pipegridgo/internal/graph"
	"github.com/vk/pipegridgo/internal/queue"
	"github.com/vk/pipegridgo/internal/scheduler"
	"github.com/vk/pipegridgo/internal/server"
	"github.com/vk/pipegridgo/internal/stage"
)

// Run executes the configured mode: a worker process in executor mode,
// otherwise the scheduler server for the loaded pipeline.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	if a.cfg.ExecutorMode {
		return executor.New(a.executorConfig(a.cfg.ServerURL)).Run(ctx)
	}
	return a.runServer(ctx)
}

func (a *App) executorConfig(serverURL string) executor.Config {
	return executor.Config{
		ServerURL:         serverURL,
		Capacity:          stage.Resources{MemoryGB: a.cfg.Mem, Procs: a.cfg.Proc},
		Greedy:            a.cfg.Greedy,
		HeartbeatInterval: a.cfg.LatencyTolerance / 5,
		TimeToSeppuku:     a.cfg.TimeToSeppuku,
		TimeToAcceptJobs:  a.cfg.TimeToAcceptJobs,
		LogDir:            filepath.Join(a.cfg.OutputDir, a.cfg.PipelineName, "logs"),
	}
}

func (a *App) runServer(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	frag, err := a.pipeline.Fragment(stage.Resources{})
	if err != nil {
		return fmt.Errorf("planning pipeline: %w", err)
	}
	g, err := frag.Finalize()
	if err != nil {
		return fmt.Errorf("finalizing pipeline graph: %w", err)
	}
	logger.Info("Pipeline graph built.", "stages", g.Len())

	if !a.cfg.Execute {
		a.printPlan(g)
		return nil
	}

	runDir := filepath.Join(a.cfg.OutputDir, a.cfg.PipelineName)
	store, err := checkpoint.NewStore(filepath.Join(runDir, "checkpoints"))
	if err != nil {
		return err
	}

	sched := scheduler.New(g, scheduler.Config{
		LatencyTolerance:    a.cfg.LatencyTolerance,
		MaxFailedExecutors:  a.cfg.MaxFailedExecutors,
		DefaultJobResources: stage.Resources{MemoryGB: a.cfg.DefaultJobMem, Procs: 1},
		RetryFailedCommands: a.cfg.RetryFailedCommands,
		MonitorHeartbeats:   a.cfg.MonitorHeartbeats,
	}, store, a.cfg.PipelineName)

	if a.cfg.Restart {
		rs, err := store.Load()
		if err != nil {
			return fmt.Errorf("loading checkpoint: %w", err)
		}
		if rs != nil {
			if err := sched.Restore(ctx, rs); err != nil {
				return fmt.Errorf("restoring from checkpoint: %w", err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := server.New(sched)
	addr, err := srv.Start(runCtx, a.cfg.ServerAddr)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Stop(context.WithoutCancel(ctx)) }()

	go sched.RunSweeper(runCtx, 0)

	if err := a.launchExecutors(runCtx, addr); err != nil {
		return err
	}

	logger.Info("🚀 Pipeline execution started.",
		"pipeline", a.cfg.PipelineName, "executors", a.cfg.NumExecutors)

	select {
	case <-sched.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := sched.Err(); err != nil {
		return fmt.Errorf("pipeline %q failed: %w", a.cfg.PipelineName, err)
	}
	logger.Info("Pipeline finished successfully.", "stages", g.Len())
	return nil
}

// launchExecutors starts the worker pool: in-process goroutines in local
// mode, batch-queue jobs when a queue type is configured, or nothing at all
// when workers will be started by hand against the printed server address.
func (a *App) launchExecutors(ctx context.Context, addr string) error {
	logger := ctxlog.FromContext(ctx)
	serverURL := "http://" + addr

	if a.cfg.Local {
		for i := 0; i < a.cfg.NumExecutors; i++ {
			cfg := a.executorConfig(serverURL)
			// In-process workers have nowhere else to go; idling them out
			// would just stall the run.
			cfg.TimeToSeppuku = 0
			go func(n int) {
				if err := executor.New(cfg).Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Local executor failed.", "executor", n, "error", err)
				}
			}(i)
		}
		return nil
	}

	if a.cfg.QueueType == "" {
		logger.Info("No queue configured; start executors manually.",
			"command", fmt.Sprintf("%s --executor --server-url %s", os.Args[0], serverURL))
		return nil
	}

	advertised := serverURL
	if host, err := os.Hostname(); err == nil {
		if _, port, splitErr := net.SplitHostPort(addr); splitErr == nil {
			advertised = fmt.Sprintf("http://%s:%s", host, port)
		}
	}

	walltime, err := a.walltime()
	if err != nil {
		return err
	}
	submitter := queue.NewSubmitter()
	for i := 0; i < a.cfg.NumExecutors; i++ {
		params := queue.Params{
			QueueType:    a.cfg.QueueType,
			QueueName:    a.cfg.QueueName,
			QueueOpts:    a.cfg.QueueOpts,
			PE:           a.cfg.PE,
			JobName:      fmt.Sprintf("%s-executor-%d", a.cfg.PipelineName, i),
			Walltime:     walltime,
			MemoryGB:     a.cfg.Mem,
			Procs:        a.cfg.Proc,
			PPN:          a.cfg.PPN,
			PrologueFile: a.cfg.PrologueFile,
			StartDelay:   a.cfg.ExecutorStartDelay,
			Command: fmt.Sprintf("%s --executor --server-url %s --proc %d --mem %g",
				os.Args[0], advertised, a.cfg.Proc, a.cfg.Mem),
		}
		if err := submitter.Submit(ctx, params); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) walltime() (time.Duration, error) {
	if a.cfg.Time == "" {
		return 0, nil
	}
	wt, err := queue.ParseWalltime(a.cfg.Time)
	if err != nil {
		return 0, err
	}
	return queue.ClampWalltime(wt, a.cfg.MinWalltime, a.cfg.MaxWalltime), nil
}

// printPlan writes the planned stages and their dependencies without
// executing anything.
func (a *App) printPlan(g *graph.Graph) {
	fmt.Fprintf(a.outW, "pipeline %s: %d stages\n", a.cfg.PipelineName, g.Len())
	for _, s := range g.Stages() {
		deps := g.Deps(s.ID)
		fmt.Fprintf(a.outW, "  [%d] %s (mem %.2f GB, procs %d)",
			s.ID, strings.Join(s.Command, " "), s.Resources.MemoryGB, s.Resources.Procs)
		if len(deps) > 0 {
			fmt.Fprintf(a.outW, " after %v", deps)
		}
		fmt.Fprintln(a.outW)
	}
}
