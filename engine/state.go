package engine

import (
	"fmt"
	"time"

	"github.com/bibin-skaria/envbuild/internal/types"
)

var stepTransitions = map[types.StepState][]types.StepState{
	types.StepPending:    {types.StepHashing, types.StepAborted},
	types.StepHashing:    {types.StepCacheHit, types.StepCacheMiss, types.StepAborted},
	types.StepCacheHit:   {types.StepApplied},
	types.StepCacheMiss:  {types.StepExecuting, types.StepAborted},
	types.StepExecuting:  {types.StepSuccess, types.StepFailure},
	types.StepSuccess:    {types.StepCommitting},
	types.StepFailure:    {types.StepAborted},
	types.StepCommitting: {types.StepApplied, types.StepAborted},
}

// CanTransition reports whether a step may move from one state to another.
func CanTransition(from, to types.StepState) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(state types.StepState) bool {
	return state == types.StepApplied || state == types.StepAborted
}

// stepTracker drives one StepResult through the state machine and records
// every state it passes through.
type stepTracker struct {
	result  *types.StepResult
	started time.Time
}

func newStepTracker(index int, instr types.Instruction) *stepTracker {
	return &stepTracker{
		result: &types.StepResult{
			Index:       index,
			Kind:        instr.Kind(),
			Instruction: instr.Summary(),
			State:       types.StepPending,
			History:     []types.StepState{types.StepPending},
		},
		started: time.Now(),
	}
}

func (t *stepTracker) transition(to types.StepState) error {
	from := t.result.State
	if !CanTransition(from, to) {
		return fmt.Errorf("step %d: invalid state transition %s -> %s", t.result.Index+1, from, to)
	}
	t.result.State = to
	t.result.History = append(t.result.History, to)
	if IsTerminal(to) {
		t.result.Duration = time.Since(t.started)
	}
	return nil
}

// abort moves the step to Aborted from wherever it is, passing through
// Failure when the step was executing.
func (t *stepTracker) abort(err error) {
	if err != nil {
		t.result.Error = err.Error()
	}
	if t.result.State == types.StepExecuting {
		t.result.State = types.StepFailure
		t.result.History = append(t.result.History, types.StepFailure)
	}
	if !IsTerminal(t.result.State) {
		t.result.State = types.StepAborted
		t.result.History = append(t.result.History, types.StepAborted)
	}
	t.result.Duration = time.Since(t.started)
}
