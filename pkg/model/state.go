package model

import (
	"fmt"
	"strings"
)

// Result is the outcome of a finished execution or of a whole master build.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultUnstable Result = "UNSTABLE"
	ResultFailure  Result = "FAILURE"
	ResultNotBuilt Result = "NOT_BUILT"
	ResultAborted  Result = "ABORTED"
)

// severity orders results for the worst-of combine. NOT_BUILT sits below
// SUCCESS so that it acts as the identity.
var severity = map[Result]int{
	ResultNotBuilt: -1,
	ResultSuccess:  0,
	ResultUnstable: 1,
	ResultFailure:  2,
	ResultAborted:  3,
}

// ordinal is the numeric exit code reported for a result (Jenkins ordering).
var ordinal = map[Result]int{
	ResultSuccess:  0,
	ResultUnstable: 1,
	ResultFailure:  2,
	ResultNotBuilt: 3,
	ResultAborted:  4,
}

// String returns the string representation of the result.
func (r Result) String() string {
	return string(r)
}

// Valid reports whether r is one of the known results.
func (r Result) Valid() bool {
	_, ok := severity[r]
	return ok
}

// Ordinal returns the result's exit-code ordinal. Unknown results map to FAILURE.
func (r Result) Ordinal() int {
	if o, ok := ordinal[r]; ok {
		return o
	}
	return ordinal[ResultFailure]
}

// IsWorseThan reports whether r is strictly more severe than other.
func (r Result) IsWorseThan(other Result) bool {
	return r.rank() > other.rank()
}

// IsBetterThan reports whether r is strictly less severe than other.
func (r Result) IsBetterThan(other Result) bool {
	return r.rank() < other.rank()
}

// Combine returns the worse of r and other. NOT_BUILT is the identity.
func (r Result) Combine(other Result) Result {
	if other.rank() > r.rank() {
		return other
	}
	return r
}

func (r Result) rank() int {
	if s, ok := severity[r]; ok {
		return s
	}
	return severity[ResultFailure]
}

// ParseResult converts a case-insensitive result name.
func ParseResult(s string) (Result, error) {
	r := Result(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown result %q", s)
	}
	return r, nil
}

// MasterBuildState represents the lifecycle state of a MasterBuild.
type MasterBuildState string

const (
	MasterBuildStatePending   MasterBuildState = "PENDING"
	MasterBuildStateRunning   MasterBuildState = "RUNNING"
	MasterBuildStateCompleted MasterBuildState = "COMPLETED"
	MasterBuildStateCancelled MasterBuildState = "CANCELLED"
)

// String returns the string representation of the master build state.
func (s MasterBuildState) String() string {
	return string(s)
}

// IsTerminal returns true if the master build is in a final state.
func (s MasterBuildState) IsTerminal() bool {
	switch s {
	case MasterBuildStateCompleted, MasterBuildStateCancelled:
		return true
	}
	return false
}

// ValidMasterBuildTransitions defines the allowed state transitions for master builds.
var ValidMasterBuildTransitions = map[MasterBuildState][]MasterBuildState{
	MasterBuildStatePending: {MasterBuildStateRunning, MasterBuildStateCancelled},
	MasterBuildStateRunning: {MasterBuildStateCompleted, MasterBuildStateCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s MasterBuildState) CanTransitionTo(next MasterBuildState) bool {
	for _, allowed := range ValidMasterBuildTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
