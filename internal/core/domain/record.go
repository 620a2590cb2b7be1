package domain

import "github.com/google/uuid"

// Record is the single versioned row the protocol races on.
type Record struct {
	ID      uuid.UUID
	Version int64 // starts at 1, advanced only by the conditional update
}

// WriterOutcome is the result of one writer's pass through the forced
// interleaving: the affected-row counts of its two conditional updates
// and the error, if any, that ended its run.
type WriterOutcome struct {
	Writer      string
	FirstCount  int64
	SecondCount int64
	Err         error
}

type ScenarioResult struct {
	Writers      [2]WriterOutcome
	FinalVersion int64
}

// Conflicts counts the writers that ended in a concurrent-update conflict.
func (r *ScenarioResult) Conflicts(isConflict func(error) bool) int {
	n := 0
	for _, w := range r.Writers {
		if isConflict(w.Err) {
			n++
		}
	}
	return n
}
