// Package registry is the named, versioned flow registry (SPEC_FULL.md
// §4.10): the process-wide map from a flow's name (and version) to the
// built flow.Config and the dsl.Executor running it, grounded on the
// teacher's Engine.workflows map (pkg/workflow/engine.go).
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/nuulab/flowcore/pkg/dsl"
	"github.com/nuulab/flowcore/pkg/flow"
	"github.com/nuulab/flowcore/pkg/mediator"
	"github.com/nuulab/flowcore/pkg/store"
)

// key identifies one registered flow definition by name and version.
type key struct {
	name    string
	version int
}

// entry is one registered flow: its built config and the executor
// wired to run it.
type entry struct {
	cfg  *flow.Config
	exec *dsl.Executor
}

// Registry holds every named flow definition a process knows how to
// run, plus the flowID -> name index Handler needs to route a resume
// event to the right Executor. The index is in-memory only: across a
// process restart, resuming a specific flow id requires the caller to
// name which registered flow it belongs to (see RunNamed vs Resume).
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*entry
	latest  map[string]int // name -> highest registered version

	owners map[string]string // flow id -> name, populated by RunNamed
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[key]*entry),
		latest:  make(map[string]int),
		owners:  make(map[string]string),
	}
}

// Register adds a built flow.Config under name at version, wiring an
// Executor for it over med/st. Registering the same (name, version)
// twice replaces the prior entry.
func (r *Registry) Register(name string, version int, cfg *flow.Config, med mediator.Mediator, st store.SnapshotStore, opts ...dsl.Option) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[key{name, version}] = &entry{cfg: cfg, exec: dsl.New(cfg, med, st, opts...)}
	if version > r.latest[name] {
		r.latest[name] = version
	}
}

// Executor returns the Executor registered for name at version. If
// version is 0, the highest registered version is used.
func (r *Registry) Executor(name string, version int) (*dsl.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == 0 {
		version = r.latest[name]
	}
	e, ok := r.entries[key{name, version}]
	if !ok {
		return nil, false
	}
	return e.exec, true
}

// Config returns the flow.Config registered for name at version (0 for
// latest), for introspection.
func (r *Registry) Config(name string, version int) (*flow.Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == 0 {
		version = r.latest[name]
	}
	e, ok := r.entries[key{name, version}]
	if !ok {
		return nil, false
	}
	return e.cfg, true
}

// RunNamed starts state under the latest registered version of name
// and records the resulting flow id's ownership so ExecutorForFlow can
// later resolve it.
func (r *Registry) RunNamed(ctx context.Context, name string, state dsl.Identifiable) (*dsl.Result, error) {
	exec, ok := r.Executor(name, 0)
	if !ok {
		return nil, fmt.Errorf("registry: no flow registered as %q", name)
	}
	result, err := exec.Run(ctx, state)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.owners[result.FlowID] = name
	r.mu.Unlock()
	return result, nil
}

// ExecutorForFlow implements pkg/resume.Registry: it resolves a flow
// id to the Executor that started it, via the in-memory ownership
// index RunNamed populates.
func (r *Registry) ExecutorForFlow(ctx context.Context, flowID string) (*dsl.Executor, error) {
	r.mu.RLock()
	name, ok := r.owners[flowID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: flow id %s: not found (was it started via RunNamed in this process?)", flowID)
	}
	exec, ok := r.Executor(name, 0)
	if !ok {
		return nil, fmt.Errorf("registry: flow id %s: owning flow %q no longer registered", flowID, name)
	}
	return exec, nil
}
