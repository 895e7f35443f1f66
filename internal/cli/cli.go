// Package cli turns command-line arguments into a validated app.Config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vk/pipegridgo/internal/app"
)

// ExitError is a CLI failure carrying a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns the populated config,
// the set of flags the user gave explicitly (so file settings don't
// override them), and a boolean indicating a clean early exit (help).
func Parse(args []string, output io.Writer) (*app.Config, map[string]bool, bool, error) {
	flagSet := flag.NewFlagSet("pipegridgo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
pipegridgo - a stage-graph pipeline execution engine for batch clusters.

Usage:
  pipegridgo [options] [PIPELINE_FILE]
  pipegridgo --executor --server-url URL [options]

Arguments:
  PIPELINE_FILE
    Path to an .hcl file declaring the pipeline's stages and settings.

Options:
`)
		flagSet.PrintDefaults()
	}

	cfg := app.Defaults()

	pipelineFlag := flagSet.String("pipeline", "", "Path to the pipeline .hcl file.")
	flagSet.StringVar(&cfg.PipelineName, "pipeline-name", cfg.PipelineName, "Name of the run; prefixes output subdirectories.")
	flagSet.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for checkpoints and stage logs.")
	flagSet.BoolVar(&cfg.Restart, "restart", cfg.Restart, "Resume from the most recent checkpoint if one exists.")
	flagSet.BoolVar(&cfg.Execute, "execute", cfg.Execute, "Actually execute the planned commands; disable to print the plan.")

	flagSet.IntVar(&cfg.NumExecutors, "num-executors", cfg.NumExecutors, "Number of independent executors to launch.")
	flagSet.IntVar(&cfg.MaxFailedExecutors, "max-failed-executors", cfg.MaxFailedExecutors, "Failure budget: abort after losing this many executors.")
	latencyFlag := flagSet.Float64("latency-tolerance", cfg.LatencyTolerance.Seconds(), "Grace period (s) an executor may miss heartbeats before being presumed dead.")
	flagSet.IntVar(&cfg.Proc, "proc", cfg.Proc, "Processors per executor; caps concurrent stage slots.")
	flagSet.Float64Var(&cfg.Mem, "mem", cfg.Mem, "Total memory (GB) per executor.")
	flagSet.IntVar(&cfg.PPN, "ppn", cfg.PPN, "Processes per node; used for pbs submissions.")
	flagSet.BoolVar(&cfg.Greedy, "greedy", cfg.Greedy, "Reserve the executor's full capacity per stage (whole-node allocations).")

	flagSet.StringVar(&cfg.QueueType, "queue-type", cfg.QueueType, "Batch queue to submit executors to: sge or pbs. Empty runs nothing automatically.")
	flagSet.StringVar(&cfg.QueueName, "queue-name", cfg.QueueName, "Name of the queue, e.g. all.q or batch.")
	flagSet.StringVar(&cfg.QueueOpts, "queue-opts", cfg.QueueOpts, "Extra flags passed through to qsub.")
	flagSet.StringVar(&cfg.PE, "pe", cfg.PE, "SGE parallel environment name, if any.")
	flagSet.StringVar(&cfg.Time, "time", cfg.Time, "Wall time to request per job, hh:mm:ss. Required for pbs (default there 48:00:00).")
	flagSet.StringVar(&cfg.PrologueFile, "prologue-file", cfg.PrologueFile, "Shell script inlined into submit scripts to set paths, load modules, etc.")
	startDelayFlag := flagSet.Int("executor-start-delay", int(cfg.ExecutorStartDelay.Seconds()), "Seconds a submitted executor waits before contacting the server.")
	minWalltimeFlag := flagSet.Int("min-walltime", int(cfg.MinWalltime.Seconds()), "Min walltime (s) allowed by the queuing system.")
	maxWalltimeFlag := flagSet.Int("max-walltime", int(cfg.MaxWalltime.Seconds()), "Max walltime (s) allowed by the queuing system; 0 means unbounded.")

	seppukuFlag := flagSet.Int("time-to-seppuku", int(cfg.TimeToSeppuku.Minutes()), "Minutes an executor may idle before killing itself; 0 disables.")
	acceptFlag := flagSet.Int("time-to-accept-jobs", int(cfg.TimeToAcceptJobs.Minutes()), "Minutes after which an executor stops accepting new stages; 0 disables.")
	flagSet.Float64Var(&cfg.DefaultJobMem, "default-job-mem", cfg.DefaultJobMem, "Memory (GB) for stages that don't request any.")

	flagSet.BoolVar(&cfg.Local, "local", cfg.Local, "Run the server and executors in-process instead of submitting to a queue.")
	flagSet.BoolVar(&cfg.MonitorHeartbeats, "monitor-heartbeats", cfg.MonitorHeartbeats, "Detect dead executors via heartbeats. Disabling can hang the run on an executor crash.")
	flagSet.BoolVar(&cfg.RetryFailedCommands, "retry-failed-commands", cfg.RetryFailedCommands, "Requeue stages whose command exits nonzero instead of failing the pipeline.")

	flagSet.BoolVar(&cfg.ExecutorMode, "executor", cfg.ExecutorMode, "Run as a worker for an already-running scheduler.")
	flagSet.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "Scheduler base URL (executor mode).")
	flagSet.StringVar(&cfg.ServerAddr, "server-addr", cfg.ServerAddr, "Listen address for the scheduler server.")

	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log output format: text or json.")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Logging level: debug, info, warn or error.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, nil, true, nil
		}
		return nil, nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	cfg.PipelineFile = *pipelineFlag
	if cfg.PipelineFile == "" && flagSet.NArg() > 0 {
		cfg.PipelineFile = flagSet.Arg(0)
	}
	cfg.LatencyTolerance = time.Duration(*latencyFlag * float64(time.Second))
	cfg.ExecutorStartDelay = time.Duration(*startDelayFlag) * time.Second
	cfg.MinWalltime = time.Duration(*minWalltimeFlag) * time.Second
	cfg.MaxWalltime = time.Duration(*maxWalltimeFlag) * time.Second
	cfg.TimeToSeppuku = time.Duration(*seppukuFlag) * time.Minute
	cfg.TimeToAcceptJobs = time.Duration(*acceptFlag) * time.Minute

	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if cfg.PipelineFile == "" && !cfg.ExecutorMode {
		flagSet.Usage()
		return nil, nil, true, nil
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	return &cfg, explicit, false, nil
}
