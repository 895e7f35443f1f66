// Package plan provides the deferred-composition algebra used to assemble a
// pipeline before anything runs. Planning code builds Fragments of stages,
// merges them, and only at the very end finalizes the accumulated set into a
// dependency-annotated graph for the scheduler.
package plan

import (
	"errors"
	"fmt"

	"github.com/vk/pipegridgo/internal/graph"
	"github.com/vk/pipegridgo/internal/stage"
)

// ErrDuplicateOutput is returned when two structurally different stages
// declare the same output path. This is a configuration error: an output is
// produced exactly once, and a silent second producer would make dependency
// derivation ambiguous.
var ErrDuplicateOutput = errors.New("duplicate output path")

// Fragment accumulates stages in submission order, de-duplicating
// structurally identical stages. Fragments are additive-only; stages are
// never removed.
//
// A Fragment is not safe for concurrent use. Planning is single-threaded by
// design; the concurrency story starts after Finalize.
type Fragment struct {
	stages        []*stage.Stage
	byFingerprint map[string]*stage.Stage
	byOutput      map[string]*stage.Stage
}

// NewFragment returns an empty Fragment.
func NewFragment() *Fragment {
	return &Fragment{
		byFingerprint: make(map[string]*stage.Stage),
		byOutput:      make(map[string]*stage.Stage),
	}
}

// Add inserts s into the fragment and returns the canonical instance: if a
// structurally identical stage was already added (possibly from a completely
// different planning call site), that existing stage is returned and the
// fragment is unchanged. Two different stages claiming the same output path
// is a fatal planning error.
func (f *Fragment) Add(s *stage.Stage) (*stage.Stage, error) {
	if s == nil {
		return nil, errors.New("nil stage")
	}
	fp := s.Fingerprint()
	if existing, ok := f.byFingerprint[fp]; ok {
		return existing, nil
	}
	for _, out := range s.Outputs {
		if other, ok := f.byOutput[out]; ok {
			return nil, fmt.Errorf("%w: %q declared by both %q and %q",
				ErrDuplicateOutput, out, other.Name(), s.Name())
		}
	}
	for _, out := range s.Outputs {
		f.byOutput[out] = s
	}
	f.byFingerprint[fp] = s
	f.stages = append(f.stages, s)
	return s, nil
}

// Merge folds all stages of other into f, in other's submission order, with
// the same de-duplication rules as Add. Merging fragments built
// independently therefore yields one shared stage for any sub-computation
// both branches derived.
func (f *Fragment) Merge(other *Fragment) error {
	if other == nil {
		return nil
	}
	for _, s := range other.stages {
		if _, err := f.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// Stages returns the accumulated stages in submission order. The returned
// slice is shared; callers must not mutate it.
func (f *Fragment) Stages() []*stage.Stage {
	return f.stages
}

// Len returns the number of distinct stages accumulated so far.
func (f *Fragment) Len() int {
	return len(f.stages)
}

// Finalize derives the dependency graph over the accumulated stages, checks
// it for cycles and hands back an immutable graph ready for scheduling. The
// fragment itself remains usable, but stages added afterwards are not part
// of the returned graph.
func (f *Fragment) Finalize() (*graph.Graph, error) {
	return graph.Build(f.stages)
}
