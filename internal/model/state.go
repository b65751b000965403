package model

import "fmt"

// TaskState is the lifecycle state of a task on the local cluster.
// States only ever move forward; a task never returns to an earlier state.
type TaskState int

// Task states in forward order.
const (
	StateUnknown TaskState = iota
	StateSubmitted
	StateRunning
	StateFailed
	StateCompleted
)

var stateNames = map[TaskState]string{
	StateUnknown:   "UNKNOWN",
	StateSubmitted: "SUBMITTED",
	StateRunning:   "RUNNING",
	StateFailed:    "FAILED",
	StateCompleted: "COMPLETED",
}

var stateValues = map[string]TaskState{
	"UNKNOWN":   StateUnknown,
	"SUBMITTED": StateSubmitted,
	"RUNNING":   StateRunning,
	"FAILED":    StateFailed,
	"COMPLETED": StateCompleted,
}

// String returns the wire name of the state.
func (s TaskState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == StateFailed || s == StateCompleted
}

// ParseTaskState decodes a wire state name.
func ParseTaskState(name string) (TaskState, error) {
	s, ok := stateValues[name]
	if !ok {
		return StateUnknown, fmt.Errorf("unknown task state %q", name)
	}
	return s, nil
}

// ValidTransition reports whether a task may move from one state to another.
// Workers report RUNNING, FAILED and COMPLETED; SUBMITTED is set once at
// submission time and terminal states accept no further transitions.
func ValidTransition(from, to TaskState) bool {
	switch from {
	case StateSubmitted:
		return to == StateRunning || to == StateFailed || to == StateCompleted
	case StateRunning:
		return to == StateFailed || to == StateCompleted
	default:
		return false
	}
}
