// Package checkpoint persists run state so an interrupted pipeline can be
// resumed without redoing completed work. Snapshots are YAML on purpose:
// when a checkpoint turns out to be inconsistent the operator has to read
// it, and a text format makes that a fair fight.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vk/pipegridgo/internal/graph"
	"github.com/vk/pipegridgo/internal/stage"
)

// Version identifies the snapshot schema. Readers refuse versions they do
// not understand rather than guessing.
const Version = 1

// ErrInconsistent is wrapped when a snapshot claims a stage completed but
// its declared outputs are missing on disk. The checkpoint cannot be
// trusted at that point; re-running silently would mask a corrupted run.
var ErrInconsistent = errors.New("checkpoint inconsistent with disk state")

// StageState is the persisted view of one stage.
type StageState struct {
	ID          int      `yaml:"id"`
	Fingerprint string   `yaml:"fingerprint"`
	Status      string   `yaml:"status"`
	Attempts    int      `yaml:"attempts"`
	Outputs     []string `yaml:"outputs,omitempty"`
}

// RunState is the durable snapshot of a run: enough to re-derive the
// runnable frontier and skip completed stages on restart.
type RunState struct {
	Version         int          `yaml:"version"`
	PipelineName    string       `yaml:"pipeline_name"`
	CreatedAt       time.Time    `yaml:"created_at"`
	FailedExecutors int          `yaml:"failed_executors"`
	Stages          []StageState `yaml:"stages"`
}

// Capture builds a RunState from the current graph statuses.
func Capture(pipelineName string, createdAt time.Time, failedExecutors int, g *graph.Graph, attempts []int) *RunState {
	rs := &RunState{
		Version:         Version,
		PipelineName:    pipelineName,
		CreatedAt:       createdAt,
		FailedExecutors: failedExecutors,
		Stages:          make([]StageState, 0, g.Len()),
	}
	for _, s := range g.Stages() {
		st := g.Status(s.ID)
		// Running and runnable stages have no durable progress; on restart
		// they are pending again.
		persisted := st
		if st == stage.Running || st == stage.Runnable {
			persisted = stage.Pending
		}
		var n int
		if attempts != nil {
			n = attempts[s.ID]
		}
		rs.Stages = append(rs.Stages, StageState{
			ID:          s.ID,
			Fingerprint: s.Fingerprint(),
			Status:      persisted.String(),
			Attempts:    n,
			Outputs:     s.Outputs,
		})
	}
	return rs
}

// Verify checks that every stage recorded as completed still has its
// declared outputs on disk. A missing output is fatal: the snapshot and the
// filesystem disagree and only the operator can say which one is right.
func (rs *RunState) Verify() error {
	for _, ss := range rs.Stages {
		if ss.Status != stage.Completed.String() {
			continue
		}
		for _, out := range ss.Outputs {
			if _, err := os.Stat(out); err != nil {
				return fmt.Errorf("%w: stage %d recorded completed but output %q is missing",
					ErrInconsistent, ss.ID, out)
			}
		}
	}
	return nil
}
