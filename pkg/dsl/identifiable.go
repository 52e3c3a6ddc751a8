package dsl

import "github.com/nuulab/flowcore/pkg/change"

// Identifiable is implemented by user state types so the executor can
// read and write the infrastructure flow-id field without the store
// or the builder ever needing to know the state's concrete shape
// (spec.md §3: "the infrastructure flow id field is never part of the
// [change] mask", and is therefore kept out of ordinary state fields).
type Identifiable interface {
	GetFlowID() string
	SetFlowID(id string)
}

// Tracked is an optional interface a state type implements alongside
// Identifiable to carry a change.Mask (spec.md §4.7). When the current
// step's resulting state implements Tracked, the executor consults
// HasChanges to decide whether a no-op step's snapshot write can be
// skipped, and clears the mask after every step it does persist.
// State types that don't implement Tracked persist on every step, as
// before.
type Tracked interface {
	Changes() *change.Mask
}
