package app

import (
	"fmt"
	"time"

	"github.com/vk/pipegridgo/internal/hclconf"
)

// Config enumerates every recognized option and its effect, validated once
// at startup and passed by reference into the scheduler, executor and queue
// adapter. Nothing is looked up dynamically after this point.
type Config struct {
	// PipelineFile is the HCL file declaring stages and optional settings.
	// Required in server mode.
	PipelineFile string
	// PipelineName names the run; it prefixes the output subdirectories.
	PipelineName string
	// OutputDir is where checkpoints and stage logs land.
	OutputDir string

	// Restart resumes from the most recent checkpoint instead of starting
	// fresh.
	Restart bool
	// Execute actually runs the planned commands; disabled it prints the
	// plan and exits.
	Execute bool

	NumExecutors       int
	MaxFailedExecutors int
	LatencyTolerance   time.Duration
	Proc               int
	Mem                float64
	PPN                int
	Greedy             bool

	QueueType          string
	QueueName          string
	QueueOpts          string
	PE                 string
	Time               string
	PrologueFile       string
	ExecutorStartDelay time.Duration
	MinWalltime        time.Duration
	MaxWalltime        time.Duration

	TimeToSeppuku    time.Duration
	TimeToAcceptJobs time.Duration
	DefaultJobMem    float64

	// Local runs the server and executors in-process instead of submitting
	// to a queue.
	Local bool
	// MonitorHeartbeats can be switched off for debugging; doing so means a
	// crashed executor hangs the run.
	MonitorHeartbeats bool
	// RetryFailedCommands requeues stages whose command exited nonzero
	// instead of failing the pipeline.
	RetryFailedCommands bool

	// ExecutorMode turns this process into a worker for the scheduler at
	// ServerURL instead of running a pipeline of its own.
	ExecutorMode bool
	ServerURL    string
	// ServerAddr is the listen address in server mode.
	ServerAddr string

	LogFormat string
	LogLevel  string
}

// Defaults mirrors the historical option defaults of the execution layer.
func Defaults() Config {
	return Config{
		PipelineName:       time.Now().Format("pipeline-02-01-2006-at-15-04-05"),
		OutputDir:          ".",
		Restart:            true,
		Execute:            true,
		NumExecutors:       1,
		MaxFailedExecutors: 2,
		LatencyTolerance:   15 * time.Second,
		Proc:               1,
		Mem:                6,
		PPN:                8,
		ExecutorStartDelay: 180 * time.Second,
		TimeToSeppuku:      1 * time.Minute,
		DefaultJobMem:      1.75,
		MonitorHeartbeats:  true,
		ServerAddr:         "127.0.0.1:8642",
		LogFormat:          "text",
		LogLevel:           "info",
	}
}

// Validate rejects unusable configurations before anything starts.
func (c *Config) Validate() error {
	switch c.QueueType {
	case "", "sge", "pbs":
	default:
		return fmt.Errorf("unknown queue type %q (supported: sge, pbs)", c.QueueType)
	}
	if c.ExecutorMode {
		if c.ServerURL == "" {
			return fmt.Errorf("--server-url is required in executor mode")
		}
		return nil
	}
	if c.PipelineFile == "" {
		return fmt.Errorf("a pipeline file is required")
	}
	if c.LatencyTolerance <= 0 {
		return fmt.Errorf("latency tolerance must be positive")
	}
	if c.NumExecutors < 1 {
		return fmt.Errorf("at least one executor is required")
	}
	if c.QueueType == "pbs" && c.Time == "" {
		c.Time = "48:00:00"
	}
	if c.MaxWalltime > 0 && c.MinWalltime > c.MaxWalltime {
		return fmt.Errorf("min walltime %s exceeds max walltime %s", c.MinWalltime, c.MaxWalltime)
	}
	return nil
}

// ApplySettings merges file settings into the config. Command-line values
// win: a file value is applied only when its flag was not given explicitly.
func (c *Config) ApplySettings(s *hclconf.Settings, explicit map[string]bool) {
	if s == nil {
		return
	}
	setBool := func(flag string, dst *bool, src *bool) {
		if src != nil && !explicit[flag] {
			*dst = *src
		}
	}
	setInt := func(flag string, dst *int, src *int) {
		if src != nil && !explicit[flag] {
			*dst = *src
		}
	}
	setFloat := func(flag string, dst *float64, src *float64) {
		if src != nil && !explicit[flag] {
			*dst = *src
		}
	}
	setString := func(flag string, dst *string, src *string) {
		if src != nil && !explicit[flag] {
			*dst = *src
		}
	}
	setSeconds := func(flag string, dst *time.Duration, src *int) {
		if src != nil && !explicit[flag] {
			*dst = time.Duration(*src) * time.Second
		}
	}
	setMinutes := func(flag string, dst *time.Duration, src *int) {
		if src != nil && !explicit[flag] {
			*dst = time.Duration(*src) * time.Minute
		}
	}

	setBool("restart", &c.Restart, s.Restart)
	setInt("num-executors", &c.NumExecutors, s.NumExecutors)
	setInt("max-failed-executors", &c.MaxFailedExecutors, s.MaxFailedExecutors)
	if s.LatencyToleranceSec != nil && !explicit["latency-tolerance"] {
		c.LatencyTolerance = time.Duration(*s.LatencyToleranceSec * float64(time.Second))
	}
	setInt("proc", &c.Proc, s.Proc)
	setFloat("mem", &c.Mem, s.Mem)
	setInt("ppn", &c.PPN, s.PPN)
	setBool("greedy", &c.Greedy, s.Greedy)
	setString("queue-type", &c.QueueType, s.QueueType)
	setString("queue-name", &c.QueueName, s.QueueName)
	setString("queue-opts", &c.QueueOpts, s.QueueOpts)
	setString("pe", &c.PE, s.PE)
	setString("time", &c.Time, s.Time)
	setString("prologue-file", &c.PrologueFile, s.PrologueFile)
	setSeconds("executor-start-delay", &c.ExecutorStartDelay, s.ExecutorStartDelay)
	setMinutes("time-to-seppuku", &c.TimeToSeppuku, s.TimeToSeppuku)
	setMinutes("time-to-accept-jobs", &c.TimeToAcceptJobs, s.TimeToAcceptJobs)
	setSeconds("min-walltime", &c.MinWalltime, s.MinWalltime)
	setSeconds("max-walltime", &c.MaxWalltime, s.MaxWalltime)
	setFloat("default-job-mem", &c.DefaultJobMem, s.DefaultJobMem)
	setBool("local", &c.Local, s.Local)
	setBool("monitor-heartbeats", &c.MonitorHeartbeats, s.MonitorHeartbeats)
	setBool("retry-failed-commands", &c.RetryFailedCommands, s.RetryFailedCommands)
	setString("pipeline-name", &c.PipelineName, s.PipelineName)
	setString("output-dir", &c.OutputDir, s.OutputDir)
}
