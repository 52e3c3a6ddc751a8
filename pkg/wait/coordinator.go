// Package wait implements the Wait Coordinator (spec.md §4.4): atomic
// signal accumulation for WhenAll/WhenAny suspension, backed entirely
// by the store contract rather than in-process state, so any node can
// observe and advance a suspended parent flow.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
)

// Resumer is notified when a wait condition transitions to satisfied,
// either by a direct Signal or by the timeout scan. Implementations
// typically live in pkg/resume and pkg/dsl.
type Resumer interface {
	ResumeWait(ctx context.Context, corrID string, w *store.WaitCondition) error
}

// Coordinator is the Wait Coordinator. It owns no in-memory state: the
// store is the single source of truth, so any process can call Signal
// and any process can run the timeout scan.
type Coordinator struct {
	store   store.SnapshotStore
	resumer Resumer
}

// New returns a Coordinator over store. SetResumer may be called
// afterward to wire the parent-resume side effect (it is optional: a
// Coordinator used only to accumulate signals, e.g. in tests, does not
// need one).
func New(s store.SnapshotStore) *Coordinator {
	return &Coordinator{store: s}
}

// SetResumer wires the callback invoked when a wait becomes satisfied.
func (c *Coordinator) SetResumer(r Resumer) { c.resumer = r }

// Register persists a fresh WaitCondition for a WhenAll/WhenAny or
// timer suspension and returns its correlation id.
func (c *Coordinator) Register(ctx context.Context, parentFlowID string, parentPos step.Position, kind store.WaitKind, childIDs []string, timeout time.Time) (string, error) {
	corrID := uuid.NewString()
	w := &store.WaitCondition{
		CorrelationID: corrID,
		Kind:          kind,
		Expected:      len(childIDs),
		ChildIDs:      append([]string(nil), childIDs...),
		Timeout:       timeout,
		ParentFlowID:  parentFlowID,
		ParentPos:     append(step.Position(nil), parentPos...),
	}
	if err := c.store.SetWaitCondition(ctx, corrID, w); err != nil {
		return "", fmt.Errorf("wait: register: %w", err)
	}
	return corrID, nil
}

// Signal atomically records one child's result against corrID and
// reports whether this call is what made the wait satisfied (so the
// caller fires the resume side effect exactly once). A repeated
// signal for a child id already recorded is a no-op, per spec.md §4.6
// "idempotent w.r.t. duplicate signals from the same child".
func (c *Coordinator) Signal(ctx context.Context, corrID, childID string, success bool, errText string, result any) (*store.WaitCondition, bool, error) {
	wasSatisfied := false
	w, err := c.store.UpdateWaitCondition(ctx, corrID, func(w *store.WaitCondition) error {
		wasSatisfied = w.Satisfied()
		for _, r := range w.Results {
			if r.ChildID == childID {
				return nil // duplicate signal, no-op
			}
		}
		w.Results = append(w.Results, store.ChildResult{ChildID: childID, Success: success, Error: errText, Result: result})
		w.Completed++
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("wait: signal: %w", err)
	}

	becameSatisfied := !wasSatisfied && w.Satisfied()
	if becameSatisfied && c.resumer != nil {
		if err := c.resumer.ResumeWait(ctx, corrID, w); err != nil {
			return w, becameSatisfied, fmt.Errorf("wait: resume after signal: %w", err)
		}
	}
	return w, becameSatisfied, nil
}

// Get returns the current wait condition, or store.ErrNotFound.
func (c *Coordinator) Get(ctx context.Context, corrID string) (*store.WaitCondition, error) {
	return c.store.GetWaitCondition(ctx, corrID)
}

// Clear removes a wait condition once its parent has resumed past it.
func (c *Coordinator) Clear(ctx context.Context, corrID string) error {
	return c.store.ClearWaitCondition(ctx, corrID)
}
