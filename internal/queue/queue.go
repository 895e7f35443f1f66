// Package queue renders batch-queue submission scripts for launching
// executors (or the server itself) as cluster jobs. It is a pure
// parameter-mapping layer: it formats the submission artifact and invokes
// the cluster's submit command, nothing more.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/vk/pipegridgo/internal/ctxlog"
)

// ErrUnknownQueueType is returned for queue types other than sge and pbs.
var ErrUnknownQueueType = errors.New("unknown queue type")

// Params describes one submission.
type Params struct {
	// QueueType selects the backend: "sge" or "pbs".
	QueueType string
	// QueueName is the target queue (e.g. all.q or batch). Optional.
	QueueName string
	// QueueOpts is a raw string of extra flags passed through to qsub.
	QueueOpts string
	// PE names an SGE parallel environment. SGE only.
	PE string
	// JobName labels the job in the queue.
	JobName string
	// Walltime is the requested wall time. PBS renders it as hh:mm:ss.
	Walltime time.Duration
	// MemoryGB and Procs are the per-job resource request.
	MemoryGB float64
	Procs    int
	// PPN is processes per node; PBS only.
	PPN int
	// PrologueFile is a shell fragment inlined into the script before the
	// command, for module loads and PATH setup on the compute node.
	PrologueFile string
	// StartDelay sleeps before the command runs, so executors submitted
	// together with the server do not race its startup.
	StartDelay time.Duration
	// Command is the full command line the job runs.
	Command string
}

const sgeScript = `#!/usr/bin/env bash
#$ -N {{.JobName}}
{{- if .QueueName}}
#$ -q {{.QueueName}}
{{- end}}
{{- if .PE}}
#$ -pe {{.PE}} {{.Procs}}
{{- end}}
#$ -l vf={{printf "%.2f" .MemoryGB}}G
#$ -j y
#$ -cwd
{{.Prologue}}
{{- if .StartDelaySeconds}}
sleep {{.StartDelaySeconds}}
{{- end}}
{{.Command}}
`

const pbsScript = `#!/usr/bin/env bash
#PBS -N {{.JobName}}
{{- if .QueueName}}
#PBS -q {{.QueueName}}
{{- end}}
#PBS -l nodes=1:ppn={{.PPN}},walltime={{.WalltimeHMS}}
#PBS -l mem={{printf "%.2f" .MemoryGB}}gb
#PBS -j oe
cd "$PBS_O_WORKDIR" 2>/dev/null || true
{{.Prologue}}
{{- if .StartDelaySeconds}}
sleep {{.StartDelaySeconds}}
{{- end}}
{{.Command}}
`

var scriptTemplates = map[string]*template.Template{
	"sge": template.Must(template.New("sge").Parse(sgeScript)),
	"pbs": template.Must(template.New("pbs").Parse(pbsScript)),
}

// ClampWalltime bounds a requested wall time to the queue's allowed window.
// A zero max means the queue imposes no upper bound.
func ClampWalltime(requested, min, max time.Duration) time.Duration {
	if requested < min {
		requested = min
	}
	if max > 0 && requested > max {
		requested = max
	}
	return requested
}

// FormatWalltime renders a duration in the hh:mm:ss form queues expect.
func FormatWalltime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ParseWalltime parses the hh:mm:ss form used by --time. Every field must
// be a plain integer; trailing text is rejected.
func ParseWalltime(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid walltime %q (want hh:mm:ss)", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid walltime %q (want hh:mm:ss): %w", s, err)
		}
		vals[i] = v
	}
	h, m, sec := vals[0], vals[1], vals[2]
	if m < 0 || m > 59 || sec < 0 || sec > 59 || h < 0 {
		return 0, fmt.Errorf("invalid walltime %q (want hh:mm:ss)", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

// RenderScript produces the submission script text for the given backend.
func RenderScript(p Params) (string, error) {
	tmpl, ok := scriptTemplates[p.QueueType]
	if !ok {
		return "", fmt.Errorf("%w: %q (supported: sge, pbs)", ErrUnknownQueueType, p.QueueType)
	}
	if p.JobName == "" {
		p.JobName = "pipegridgo"
	}
	if p.PPN <= 0 {
		p.PPN = p.Procs
	}

	prologue := ""
	if p.PrologueFile != "" {
		data, err := os.ReadFile(p.PrologueFile)
		if err != nil {
			return "", fmt.Errorf("reading prologue file: %w", err)
		}
		prologue = strings.TrimSpace(string(data))
	}

	var b strings.Builder
	err := tmpl.Execute(&b, struct {
		Params
		Prologue          string
		WalltimeHMS       string
		StartDelaySeconds int
	}{
		Params:            p,
		Prologue:          prologue,
		WalltimeHMS:       FormatWalltime(p.Walltime),
		StartDelaySeconds: int(p.StartDelay.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("rendering %s script: %w", p.QueueType, err)
	}
	return b.String(), nil
}

// SubmitArgs builds the qsub invocation for the given backend, with any
// raw extra flags appended.
func SubmitArgs(p Params) []string {
	args := []string{"qsub"}
	if p.QueueOpts != "" {
		args = append(args, strings.Fields(p.QueueOpts)...)
	}
	return args
}

// Submitter hands rendered scripts to the cluster's submit command.
type Submitter struct {
	// RunCommand is swappable for tests; the default execs the argv with
	// the script on stdin.
	RunCommand func(ctx context.Context, argv []string, script string) error
}

// NewSubmitter returns a Submitter that shells out to qsub.
func NewSubmitter() *Submitter {
	return &Submitter{
		RunCommand: func(ctx context.Context, argv []string, script string) error {
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			cmd.Stdin = strings.NewReader(script)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Run()
		},
	}
}

// Submit renders the script for p and submits it.
func (s *Submitter) Submit(ctx context.Context, p Params) error {
	logger := ctxlog.FromContext(ctx)
	script, err := RenderScript(p)
	if err != nil {
		return err
	}
	argv := SubmitArgs(p)
	logger.Info("Submitting job to queue.",
		"queue_type", p.QueueType, "queue", p.QueueName, "job", p.JobName)
	logger.Debug("Rendered submission script.", "script", script)
	if err := s.RunCommand(ctx, argv, script); err != nil {
		return fmt.Errorf("submitting %s job: %w", p.QueueType, err)
	}
	return nil
}
