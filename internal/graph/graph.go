// Package graph holds the finalized pipeline DAG: the set of stages plus
// the dependency relation derived from input/output overlap.
//
// The graph is structurally immutable once built. The only mutable part is
// per-stage status, and only the scheduler mutates that; the graph itself
// performs no locking because the scheduler serializes all access behind a
// single critical section.
package graph

import (
	"errors"
	"fmt"

	"github.com/vk/pipegridgo/internal/stage"
)

// ErrCycle is wrapped by Build when the declared inputs and outputs imply a
// dependency cycle.
var ErrCycle = errors.New("dependency cycle")

// Graph is the dependency-annotated set of stages handed to the scheduler.
// Stage IDs are indices in submission order, starting at 0.
type Graph struct {
	stages     []*stage.Stage
	status     []stage.Status
	deps       [][]int
	dependents [][]int
	producers  map[string]int
}

// Build derives the dependency relation over stages: stage A depends on
// stage B iff one of A's inputs is one of B's outputs. It assigns
// submission-order IDs, rejects duplicate producers and cycles, and returns
// the graph ready for scheduling.
func Build(stages []*stage.Stage) (*Graph, error) {
	g := &Graph{
		stages:     stages,
		status:     make([]stage.Status, len(stages)),
		deps:       make([][]int, len(stages)),
		dependents: make([][]int, len(stages)),
		producers:  make(map[string]int),
	}

	// First pass: assign IDs and index producers.
	for i, s := range stages {
		s.ID = i
		for _, out := range s.Outputs {
			if prev, ok := g.producers[out]; ok {
				return nil, fmt.Errorf("output %q produced by both %q and %q",
					out, stages[prev].Name(), s.Name())
			}
			g.producers[out] = i
		}
	}

	// Second pass: derive edges from input/output overlap.
	for i, s := range stages {
		seen := make(map[int]bool)
		for _, in := range s.Inputs {
			p, ok := g.producers[in]
			if !ok {
				continue // an external input, supplied before the run
			}
			if p == i {
				return nil, fmt.Errorf("%w: stage %q consumes its own output %q",
					ErrCycle, s.Name(), in)
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			g.deps[i] = append(g.deps[i], p)
			g.dependents[p] = append(g.dependents[p], i)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycles runs a depth-first search with the classic two-colour
// marking: nodes fully explored are permanent, nodes on the current
// recursion stack are temporary. Revisiting a temporary node means the
// dependency relation loops back on itself.
func (g *Graph) detectCycles() error {
	permanent := make([]bool, len(g.stages))
	temporary := make([]bool, len(g.stages))

	var visit func(id int) error
	visit = func(id int) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return fmt.Errorf("%w involving stage %q", ErrCycle, g.stages[id].Name())
		}
		temporary[id] = true
		for _, dep := range g.dependents[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		temporary[id] = false
		permanent[id] = true
		return nil
	}

	for id := range g.stages {
		if !permanent[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of stages in the graph.
func (g *Graph) Len() int { return len(g.stages) }

// Stage returns the stage with the given ID.
func (g *Graph) Stage(id int) *stage.Stage { return g.stages[id] }

// Stages returns all stages in submission order. Callers must not mutate
// the returned slice.
func (g *Graph) Stages() []*stage.Stage { return g.stages }

// Status returns the current status of a stage.
func (g *Graph) Status(id int) stage.Status { return g.status[id] }

// SetStatus records a stage status transition. Only the scheduler calls this.
func (g *Graph) SetStatus(id int, st stage.Status) { g.status[id] = st }

// Deps returns the IDs of the stages id depends on.
func (g *Graph) Deps(id int) []int { return g.deps[id] }

// Dependents returns the IDs of the stages that depend on id.
func (g *Graph) Dependents(id int) []int { return g.dependents[id] }

// UnblockCount is the number of stages whose dependencies include id. The
// scheduler prefers dispatching stages with a higher count because finishing
// them opens up more parallelism.
func (g *Graph) UnblockCount(id int) int { return len(g.dependents[id]) }

// Producer returns the ID of the stage that declares path as an output.
func (g *Graph) Producer(path string) (int, bool) {
	id, ok := g.producers[path]
	return id, ok
}

// DepsCompleted reports whether every dependency of id has completed.
func (g *Graph) DepsCompleted(id int) bool {
	for _, dep := range g.deps[id] {
		if g.status[dep] != stage.Completed {
			return false
		}
	}
	return true
}

// RunnableFrontier returns, in submission order, every stage that has not
// started and whose dependencies have all completed.
func (g *Graph) RunnableFrontier() []int {
	var frontier []int
	for id := range g.stages {
		st := g.status[id]
		if st != stage.Pending && st != stage.Runnable {
			continue
		}
		if g.DepsCompleted(id) {
			frontier = append(frontier, id)
		}
	}
	return frontier
}

// AllCompleted reports whether every stage in the graph has completed.
func (g *Graph) AllCompleted() bool {
	for _, st := range g.status {
		if st != stage.Completed {
			return false
		}
	}
	return true
}
