// Package resume implements the Resume Event Handler (spec.md §4.6):
// the glue between the Wait Coordinator and the DSL Executor. When a
// wait condition becomes satisfied — by a direct Signal or by the
// timeout scan — something has to actually call Executor.Resume on the
// parent flow id. That something is a Handler.
package resume

import (
	"context"
	"fmt"
	"sync"

	"github.com/nuulab/flowcore/pkg/dsl"
	"github.com/nuulab/flowcore/pkg/store"
)

// Registry resolves a flow id to the Executor instance that owns it.
// A single process may be running many named flow.Configs at once
// (pkg/registry), each backed by its own Executor; Handler needs to
// find the right one to call Resume on.
type Registry interface {
	ExecutorForFlow(ctx context.Context, flowID string) (*dsl.Executor, error)
}

// Handler implements wait.Resumer by looking up the owning Executor
// and calling its Resume method, which re-enters the step-tree walk at
// the position just past the now-satisfied wait.
type Handler struct {
	registry Registry

	mu      sync.Mutex
	inFlight map[string]struct{}
}

// New returns a Handler that resolves flow ids through registry.
func New(registry Registry) *Handler {
	return &Handler{registry: registry, inFlight: make(map[string]struct{})}
}

// ResumeWait is called by wait.Coordinator once a WaitCondition
// transitions to satisfied. It is idempotent per flow id: a resumer
// already in flight for w.ParentFlowID is a no-op rather than a
// concurrent double-resume, since a single flow must only ever be
// advanced by one goroutine at a time (spec.md §5).
func (h *Handler) ResumeWait(ctx context.Context, corrID string, w *store.WaitCondition) error {
	h.mu.Lock()
	if _, busy := h.inFlight[w.ParentFlowID]; busy {
		h.mu.Unlock()
		return nil
	}
	h.inFlight[w.ParentFlowID] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inFlight, w.ParentFlowID)
		h.mu.Unlock()
	}()

	exec, err := h.registry.ExecutorForFlow(ctx, w.ParentFlowID)
	if err != nil {
		return fmt.Errorf("resume: resolve executor for %s: %w", w.ParentFlowID, err)
	}
	if _, err := exec.Resume(ctx, w.ParentFlowID); err != nil {
		return fmt.Errorf("resume: %s: %w", w.ParentFlowID, err)
	}
	return nil
}
