// Package dsl implements the DSL Executor: the core state machine that
// walks a flow.Config's step tree against a mediator and a store,
// persisting after each step (spec.md §4.3).
package dsl

import "github.com/nuulab/flowcore/pkg/store"

// Result mirrors the DslFlowResult spec.md §7 names: (isSuccess,
// state, status, error, completedSteps, flowId).
type Result struct {
	IsSuccess      bool
	State          any
	Status         store.Status
	Err            error
	CompletedSteps int
	FlowID         string
}

func resultFromSnapshot(snap *store.Snapshot) *Result {
	r := &Result{
		State:          snap.State,
		Status:         snap.Status,
		FlowID:         snap.FlowID,
		CompletedSteps: snap.CompletedSteps,
		IsSuccess:      snap.Status == store.StatusCompleted,
	}
	if snap.Error != "" {
		r.Err = errString(snap.Error)
	}
	return r
}

// errString lets a persisted error message round-trip through Result
// without losing the original string (it implements error directly so
// resultFromSnapshot never needs fmt.Errorf's wrapping machinery for
// what is, after a Resume, no longer a live error value).
type errString string

func (e errString) Error() string { return string(e) }
