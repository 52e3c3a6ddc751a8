// Package simpleflow implements the Simple Flow Engine (spec.md §4.5):
// a flat, linear sequence of steps run under a distributed claim so
// exactly one node advances a given flow id at a time, with heartbeat
// renewal and failover to whichever node next observes a stale owner.
// It trades the DSL Executor's tree-shaped control flow and wait
// conditions for a much smaller state machine suited to pipelines that
// are just "step 1, then 2, then 3" but still need durability and
// multi-node safety.
package simpleflow

import "context"

// StepFunc runs one step of a SimpleFlow against the flow's current
// opaque data, returning the data to carry into the next step.
type StepFunc func(ctx context.Context, data []byte) ([]byte, error)

// CompensateFunc undoes a step's effects. Invoked in reverse order when
// a later step fails; every compensation receives the flow's data as it
// stood at the failure (the output of the last step that succeeded).
type CompensateFunc func(ctx context.Context, data []byte) error

// Step pairs one unit of work with its optional compensation.
type Step struct {
	Name       string
	Run        StepFunc
	Compensate CompensateFunc
}

// Flow is a named, ordered list of steps (spec.md §3 "Simple Flow").
// Unlike flow.Config there is no branching: the cursor is just an
// index (store.SimpleState.Step).
type Flow struct {
	Type  string
	Steps []Step
}

// New returns a Flow of the given type name with the given ordered
// steps.
func New(flowType string, steps ...Step) *Flow {
	return &Flow{Type: flowType, Steps: steps}
}
