package simpleflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nuulab/flowcore/pkg/store"
)

// DefaultClaimTimeout bounds how long a node's heartbeat may go silent
// before another node is allowed to steal its claim.
const DefaultClaimTimeout = 30 * time.Second

// DefaultHeartbeatInterval is how often the owning node renews its
// claim while a flow is executing. It must stay well under
// DefaultClaimTimeout or the owner will race itself out of ownership.
const DefaultHeartbeatInterval = 10 * time.Second

// Executor runs one Flow's steps under the distributed claim/heartbeat
// discipline described in spec.md §4.5, grounded on the teacher's Lua
// CAS lock idiom (pkg/queue/lock.go) generalized from a bare mutex
// into a resumable step cursor.
type Executor struct {
	flow     *Flow
	store    store.SnapshotStore
	nodeID   string
	claimTTL time.Duration
	hbEvery  time.Duration
}

// NewExecutor builds an Executor for flow, identifying this process as
// nodeID when claiming work.
func NewExecutor(f *Flow, st store.SnapshotStore, nodeID string) *Executor {
	return &Executor{flow: f, store: st, nodeID: nodeID, claimTTL: DefaultClaimTimeout, hbEvery: DefaultHeartbeatInterval}
}

// WithClaimTimeout overrides the default claim staleness window.
func (e *Executor) WithClaimTimeout(d time.Duration) *Executor {
	e.claimTTL = d
	return e
}

// WithHeartbeatInterval overrides the default heartbeat cadence.
func (e *Executor) WithHeartbeatInterval(d time.Duration) *Executor {
	e.hbEvery = d
	return e
}

// Submit creates the persisted state for a new flow instance. It is
// the caller's job to pick flowID (spec.md leaves id generation to the
// caller for the simple engine, unlike the DSL executor's auto-uuid).
func (e *Executor) Submit(ctx context.Context, flowID string, data []byte) (*store.SimpleState, error) {
	s := &store.SimpleState{
		ID:     flowID,
		Type:   e.flow.Type,
		Status: store.SimpleRunning,
		Data:   data,
	}
	created, err := e.store.CreateSimple(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("simpleflow: submit %s: %w", flowID, err)
	}
	if !created {
		return nil, fmt.Errorf("simpleflow: submit %s: %w", flowID, store.ErrConflict)
	}
	return s, nil
}

// ErrNotClaimed is returned by Execute when another node currently
// owns a live (non-stale) claim on the flow.
var ErrNotClaimed = errors.New("simpleflow: not claimed")

// Execute attempts to claim flowID and, on success, runs its remaining
// steps to completion or failure. Calling Execute on an already
// terminal flow is a no-op that returns the stored state unchanged
// (idempotent re-Execute, spec.md §4.5).
func (e *Executor) Execute(ctx context.Context, flowID string) (*store.SimpleState, error) {
	claimed, ok, err := e.store.TryClaim(ctx, e.flow.Type, flowID, e.nodeID, e.claimTTL.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("simpleflow: claim %s: %w", flowID, err)
	}
	if !ok {
		if claimed != nil {
			return claimed, nil // terminal; TryClaim reports ok=false without error
		}
		return nil, ErrNotClaimed
	}
	if claimed.Status.Terminal() {
		return claimed, nil
	}

	hb := &heartbeat{store: e.store, flowID: flowID, owner: e.nodeID, version: claimed.Version}
	stop := hb.start(ctx, e.hbEvery)
	defer stop()

	state := claimed
	var ran []Step

	for state.Step < len(e.flow.Steps) {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, state, hb, ran, "cancelled")
		}

		s := e.flow.Steps[state.Step]
		out, err := s.Run(ctx, state.Data)
		if err != nil {
			return e.fail(ctx, state, hb, ran, fmt.Sprintf("step %q: %v", s.Name, err))
		}

		state.Data = out
		state.Step++
		ran = append(ran, s)

		if err := e.persist(ctx, state, hb); err != nil {
			return nil, err
		}
	}

	state.Status = store.SimpleDone
	if err := e.persist(ctx, state, hb); err != nil {
		return nil, err
	}
	return state, nil
}

func (e *Executor) persist(ctx context.Context, state *store.SimpleState, hb *heartbeat) error {
	ok, err := e.store.UpdateSimple(ctx, state)
	if err != nil {
		return fmt.Errorf("simpleflow: persist %s: %w", state.ID, err)
	}
	if !ok {
		return fmt.Errorf("simpleflow: persist %s: %w", state.ID, store.ErrConflict)
	}
	hb.setVersion(state.Version)
	return nil
}

func (e *Executor) fail(ctx context.Context, state *store.SimpleState, hb *heartbeat, ran []Step, errText string) (*store.SimpleState, error) {
	e.compensate(context.Background(), ran, state.Data)
	state.Status = store.SimpleFailed
	state.Error = errText
	if err := e.persist(ctx, state, hb); err != nil {
		return nil, err
	}
	return state, nil
}

// compensate runs Compensate for every already-executed step in
// reverse order, best-effort.
func (e *Executor) compensate(ctx context.Context, ran []Step, data []byte) {
	for i := len(ran) - 1; i >= 0; i-- {
		if ran[i].Compensate == nil {
			continue
		}
		_ = ran[i].Compensate(ctx, data)
	}
}

// heartbeat renews the claim on a timer while a step runs. version is
// read by the ticking goroutine and written by the main execution
// loop, hence the mutex.
type heartbeat struct {
	store   store.SnapshotStore
	flowID  string
	owner   string
	mu      sync.Mutex
	version int64
	stop    chan struct{}
	wg      sync.WaitGroup
}

func (h *heartbeat) setVersion(v int64) {
	h.mu.Lock()
	h.version = v
	h.mu.Unlock()
}

func (h *heartbeat) currentVersion() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

func (h *heartbeat) start(ctx context.Context, interval time.Duration) func() {
	h.stop = make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				_, _ = h.store.Heartbeat(ctx, h.flowID, h.owner, h.currentVersion())
			}
		}
	}()
	return func() {
		close(h.stop)
		h.wg.Wait()
	}
}
