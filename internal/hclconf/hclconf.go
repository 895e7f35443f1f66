// Package hclconf loads a pipeline description file: execution settings
// plus the stage blocks that the planning layer turns into a graph. The
// file format is HCL; stage attributes may reference process environment
// variables through the env map (e.g. "${env.HOME}/data/in.mnc").
package hclconf

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/pipegridgo/internal/plan"
	"github.com/vk/pipegridgo/internal/stage"
)

// File is the decoded pipeline description.
type File struct {
	Settings *Settings    `hcl:"settings,block"`
	Stages   []StageBlock `hcl:"stage,block"`
}

// Settings mirrors the execution options of the CLI. Every field is a
// pointer so the merge layer can tell "absent" from "zero": file values
// fill in only the options the command line left untouched.
type Settings struct {
	Restart             *bool    `hcl:"restart,optional"`
	NumExecutors        *int     `hcl:"num_executors,optional"`
	MaxFailedExecutors  *int     `hcl:"max_failed_executors,optional"`
	LatencyToleranceSec *float64 `hcl:"latency_tolerance,optional"`
	Proc                *int     `hcl:"proc,optional"`
	Mem                 *float64 `hcl:"mem,optional"`
	PPN                 *int     `hcl:"ppn,optional"`
	Greedy              *bool    `hcl:"greedy,optional"`
	QueueType           *string  `hcl:"queue_type,optional"`
	QueueName           *string  `hcl:"queue_name,optional"`
	QueueOpts           *string  `hcl:"queue_opts,optional"`
	PE                  *string  `hcl:"pe,optional"`
	Time                *string  `hcl:"time,optional"`
	PrologueFile        *string  `hcl:"prologue_file,optional"`
	ExecutorStartDelay  *int     `hcl:"executor_start_delay,optional"`
	TimeToSeppuku       *int     `hcl:"time_to_seppuku,optional"`
	TimeToAcceptJobs    *int     `hcl:"time_to_accept_jobs,optional"`
	MinWalltime         *int     `hcl:"min_walltime,optional"`
	MaxWalltime         *int     `hcl:"max_walltime,optional"`
	DefaultJobMem       *float64 `hcl:"default_job_mem,optional"`
	Local               *bool    `hcl:"local,optional"`
	MonitorHeartbeats   *bool    `hcl:"monitor_heartbeats,optional"`
	RetryFailedCommands *bool    `hcl:"retry_failed_commands,optional"`
	PipelineName        *string  `hcl:"pipeline_name,optional"`
	OutputDir           *string  `hcl:"output_dir,optional"`
}

// StageBlock is one declared stage.
type StageBlock struct {
	Name    string   `hcl:"name,label"`
	Command []string `hcl:"command"`
	Inputs  []string `hcl:"inputs,optional"`
	Outputs []string `hcl:"outputs,optional"`
	Mem     *float64 `hcl:"mem,optional"`
	Procs   *int     `hcl:"procs,optional"`
}

// Load parses and decodes path.
func Load(path string) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}

	var f File
	if diags := gohcl.DecodeBody(hclFile.Body, evalContext(), &f); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", path, diags)
	}
	return &f, nil
}

// evalContext exposes the process environment as the env map so pipeline
// files can splice paths without hardcoding them.
func evalContext() *hcl.EvalContext {
	envVals := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			envVals[k] = cty.StringVal(v)
		}
	}
	env := cty.MapValEmpty(cty.String)
	if len(envVals) > 0 {
		env = cty.MapVal(envVals)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

// Fragment assembles the declared stages into a plan fragment, in file
// order. Structural duplicates collapse and duplicate output declarations
// fail, exactly as when planning code builds fragments directly.
func (f *File) Fragment(defaults stage.Resources) (*plan.Fragment, error) {
	frag := plan.NewFragment()
	for _, sb := range f.Stages {
		res := defaults
		if sb.Mem != nil {
			res.MemoryGB = *sb.Mem
		}
		if sb.Procs != nil {
			res.Procs = *sb.Procs
		}
		st, err := stage.New(sb.Command, sb.Inputs, sb.Outputs, res)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", sb.Name, err)
		}
		if _, err := frag.Add(st); err != nil {
			return nil, fmt.Errorf("stage %q: %w", sb.Name, err)
		}
	}
	return frag, nil
}
