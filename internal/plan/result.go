package plan

import "github.com/vk/pipegridgo/internal/stage"

// Handle names a file that a planning operation will eventually produce. It
// may refer to the output of a stage that has not been built yet, which is
// what lets planning functions chain lazily: the callee hands back a Handle
// and the caller threads it into the next operation's inputs.
type Handle struct {
	Path string
}

// Result is the pure value returned by a planning operation: the stages it
// contributed plus the handle to use next. Results are immutable by
// convention; composition happens by merging Stages into the caller's own
// fragment.
type Result struct {
	Stages *Fragment
	Output Handle
}

// Single is a convenience for the common planning operation that emits
// exactly one stage and designates one of its outputs as the handle for
// further chaining. The stage is de-duplicated against f like any other Add.
func Single(f *Fragment, s *stage.Stage, output string) (Result, error) {
	if _, err := f.Add(s); err != nil {
		return Result{}, err
	}
	return Result{Stages: f, Output: Handle{Path: output}}, nil
}
