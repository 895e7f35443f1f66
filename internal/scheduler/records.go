package scheduler

import (
	"time"

	"github.com/google/uuid"
	"github.com/vk/pipegridgo/internal/stage"
)

// ExecutorStatus tracks the liveness of a registered executor.
type ExecutorStatus int

const (
	// Alive executors heartbeat on time and may be handed stages.
	Alive ExecutorStatus = iota
	// Failed executors missed their heartbeat grace period; their in-flight
	// stages were requeued and any late reports from them are stale.
	Failed
	// Retired executors deregistered gracefully (shutdown or seppuku).
	Retired
)

// String returns the lowercase name of the executor status.
func (s ExecutorStatus) String() string {
	switch s {
	case Alive:
		return "alive"
	case Failed:
		return "failed"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// ExecutorRecord is the scheduler's bookkeeping for one worker process. It
// is owned exclusively by the scheduler and mutated only under its lock.
type ExecutorRecord struct {
	ID            uuid.UUID
	Capacity      stage.Resources
	Greedy        bool
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Assigned      map[int]struct{}
	Status        ExecutorStatus
}

// remaining computes the capacity not yet committed to in-flight stages. A
// greedy executor reserves its whole capacity per stage, so its remaining
// capacity is zero whenever anything is running.
func (r *ExecutorRecord) remaining(g stageLookup) stage.Resources {
	if r.Greedy && len(r.Assigned) > 0 {
		return stage.Resources{}
	}
	rem := r.Capacity
	for id := range r.Assigned {
		rem = rem.Sub(g.Stage(id).Resources)
	}
	return rem
}

// stageLookup is the slice of the graph API the record bookkeeping needs.
type stageLookup interface {
	Stage(id int) *stage.Stage
}
