// Package stage defines the immutable description of one external command
// invocation: its argv, declared input and output files, and resource request.
package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// Status is the lifecycle state of a stage inside a run.
type Status int

const (
	Pending Status = iota
	Runnable
	Running
	Completed
	Failed
)

// String returns the canonical lowercase name of the status. The same names
// are used in checkpoint snapshots, so they must stay stable.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "runnable":
		return Runnable, nil
	case "running":
		return Running, nil
	case "completed":
		return Completed, nil
	case "failed":
		return Failed, nil
	default:
		return 0, fmt.Errorf("unknown stage status: %q", s)
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Resources is the resource request of a single stage, or the capacity of an
// executor. Memory is in gigabytes to match what batch queues are told.
type Resources struct {
	MemoryGB float64
	Procs    int
}

// Fits reports whether a request r fits inside the available capacity c.
func (c Resources) Fits(r Resources) bool {
	return r.MemoryGB <= c.MemoryGB && r.Procs <= c.Procs
}

// Sub returns the capacity left after committing r. It can go negative; the
// caller decides whether that is an error.
func (c Resources) Sub(r Resources) Resources {
	return Resources{MemoryGB: c.MemoryGB - r.MemoryGB, Procs: c.Procs - r.Procs}
}

// Add returns the combined resources of c and r.
func (c Resources) Add(r Resources) Resources {
	return Resources{MemoryGB: c.MemoryGB + r.MemoryGB, Procs: c.Procs + r.Procs}
}

// Stage describes one external command with its declared file sets.
//
// Identity is structural: two stages with the same command, inputs and
// outputs are the same stage, and the planner returns the existing instance
// rather than creating a second one. The ID is assigned in submission order
// when the plan is finalized and is zero before that.
type Stage struct {
	ID        int
	Command   []string
	Inputs    []string
	Outputs   []string
	Resources Resources

	fingerprint string
}

// New builds a Stage from raw declarations. Input and output paths are
// sorted and de-duplicated so that structurally identical declarations hash
// identically regardless of the order the planner listed them in.
func New(command, inputs, outputs []string, res Resources) (*Stage, error) {
	if len(command) == 0 {
		return nil, errors.New("stage requires a non-empty command")
	}
	s := &Stage{
		Command:   append([]string(nil), command...),
		Inputs:    normalizePaths(inputs),
		Outputs:   normalizePaths(outputs),
		Resources: res,
	}
	return s, nil
}

// Name is a short human identifier for log lines and error messages: the
// command's program name plus the assigned stage ID.
func (s *Stage) Name() string {
	return fmt.Sprintf("%s#%d", s.Command[0], s.ID)
}

// Fingerprint returns the structural identity of the stage: a sha256 over
// the command tokens and the sorted input and output sets. The resource
// request is deliberately excluded; asking for more memory does not make a
// command a different computation.
func (s *Stage) Fingerprint() string {
	if s.fingerprint != "" {
		return s.fingerprint
	}
	h := sha256.New()
	writeSection := func(label string, items []string) {
		h.Write([]byte(label))
		h.Write([]byte{0})
		for _, it := range items {
			h.Write([]byte(it))
			h.Write([]byte{0})
		}
	}
	writeSection("command", s.Command)
	writeSection("inputs", s.Inputs)
	writeSection("outputs", s.Outputs)
	s.fingerprint = hex.EncodeToString(h.Sum(nil))
	return s.fingerprint
}

func normalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
