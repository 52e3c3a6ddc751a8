// Package memstore is an in-process SnapshotStore backend, grounded
// on the teacher's sync.RWMutex-guarded map style (see
// pkg/workflow/engine.go). It is the reference implementation used in
// tests and local development; it satisfies every parity requirement
// spec.md §9 names but offers no durability across process restarts.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
)

// Store is a single-process, mutex-guarded SnapshotStore.
type Store struct {
	mu sync.RWMutex

	snapshots map[string]*store.Snapshot
	waits     map[string]*store.WaitCondition
	progress  map[string]*store.ForEachProgress
	simple    map[string]*store.SimpleState
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		snapshots: make(map[string]*store.Snapshot),
		waits:     make(map[string]*store.WaitCondition),
		progress:  make(map[string]*store.ForEachProgress),
		simple:    make(map[string]*store.SimpleState),
	}
}

func progressKey(flowID, stepPath string) string { return flowID + "\x00" + stepPath }

func cloneSnapshot(s *store.Snapshot) *store.Snapshot {
	cp := *s
	if s.Wait != nil {
		w := *s.Wait
		w.ChildIDs = append([]string(nil), s.Wait.ChildIDs...)
		w.Results = append([]store.ChildResult(nil), s.Wait.Results...)
		cp.Wait = &w
	}
	cp.Position = append(step.Position(nil), s.Position...)
	return &cp
}

func (st *Store) Create(ctx context.Context, snap *store.Snapshot) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.snapshots[snap.FlowID]; exists {
		return false, nil
	}
	snap.Version = 1
	now := time.Now()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	st.snapshots[snap.FlowID] = cloneSnapshot(snap)
	return true, nil
}

func (st *Store) Get(ctx context.Context, flowID string) (*store.Snapshot, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.snapshots[flowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSnapshot(s), nil
}

func (st *Store) Update(ctx context.Context, snap *store.Snapshot) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.snapshots[snap.FlowID]
	if !ok {
		return false, store.ErrNotFound
	}
	if cur.Version != snap.Version {
		return false, nil
	}
	snap.Version = cur.Version + 1
	snap.UpdatedAt = time.Now()
	st.snapshots[snap.FlowID] = cloneSnapshot(snap)
	return true, nil
}

func (st *Store) Delete(ctx context.Context, flowID string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, ok := st.snapshots[flowID]
	delete(st.snapshots, flowID)
	return ok, nil
}

func (st *Store) SetWaitCondition(ctx context.Context, corrID string, w *store.WaitCondition) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	cp := *w
	cp.ChildIDs = append([]string(nil), w.ChildIDs...)
	cp.Results = append([]store.ChildResult(nil), w.Results...)
	st.waits[corrID] = &cp
	return nil
}

func (st *Store) GetWaitCondition(ctx context.Context, corrID string) (*store.WaitCondition, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	w, ok := st.waits[corrID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	cp.ChildIDs = append([]string(nil), w.ChildIDs...)
	cp.Results = append([]store.ChildResult(nil), w.Results...)
	return &cp, nil
}

func (st *Store) UpdateWaitCondition(ctx context.Context, corrID string, mutate store.WaitMutator) (*store.WaitCondition, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	w, ok := st.waits[corrID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := mutate(w); err != nil {
		return nil, err
	}
	cp := *w
	cp.ChildIDs = append([]string(nil), w.ChildIDs...)
	cp.Results = append([]store.ChildResult(nil), w.Results...)
	return &cp, nil
}

func (st *Store) ClearWaitCondition(ctx context.Context, corrID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.waits, corrID)
	return nil
}

func (st *Store) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*store.WaitCondition, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []*store.WaitCondition
	for _, w := range st.waits {
		if w.Satisfied() {
			continue
		}
		if w.Timeout.IsZero() || w.Timeout.After(now) {
			continue
		}
		cp := *w
		cp.ChildIDs = append([]string(nil), w.ChildIDs...)
		cp.Results = append([]store.ChildResult(nil), w.Results...)
		out = append(out, &cp)
	}
	return out, nil
}

func (st *Store) SaveForEachProgress(ctx context.Context, flowID, stepPath string, p *store.ForEachProgress) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	cp := *p
	cp.Completed = cloneIntSet(p.Completed)
	cp.Failed = cloneIntSet(p.Failed)
	st.progress[progressKey(flowID, stepPath)] = &cp
	return nil
}

func (st *Store) GetForEachProgress(ctx context.Context, flowID, stepPath string) (*store.ForEachProgress, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	p, ok := st.progress[progressKey(flowID, stepPath)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	cp.Completed = cloneIntSet(p.Completed)
	cp.Failed = cloneIntSet(p.Failed)
	return &cp, nil
}

func (st *Store) ClearForEachProgress(ctx context.Context, flowID, stepPath string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.progress, progressKey(flowID, stepPath))
	return nil
}

func (st *Store) TryClaim(ctx context.Context, flowType, flowID, nodeID string, claimTimeoutMs int64) (*store.SimpleState, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.simple[flowID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if s.Status.Terminal() {
		return cloneSimple(s), false, nil
	}
	nowMs := time.Now().UnixMilli()
	staleEnough := s.Owner == "" || nowMs-s.HeartbeatAt >= claimTimeoutMs
	if !staleEnough {
		return nil, false, nil
	}
	s.Owner = nodeID
	s.HeartbeatAt = nowMs
	s.Version++
	return cloneSimple(s), true, nil
}

func (st *Store) Heartbeat(ctx context.Context, flowID, owner string, version int64) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.simple[flowID]
	if !ok {
		return false, store.ErrNotFound
	}
	if s.Owner != owner || s.Version != version {
		return false, nil
	}
	s.HeartbeatAt = time.Now().UnixMilli()
	return true, nil
}

func (st *Store) CreateSimple(ctx context.Context, s *store.SimpleState) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.simple[s.ID]; exists {
		return false, nil
	}
	s.Version = 1
	st.simple[s.ID] = cloneSimple(s)
	return true, nil
}

func (st *Store) GetSimple(ctx context.Context, flowID string) (*store.SimpleState, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.simple[flowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSimple(s), nil
}

func (st *Store) UpdateSimple(ctx context.Context, s *store.SimpleState) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.simple[s.ID]
	if !ok {
		return false, store.ErrNotFound
	}
	if cur.Owner != s.Owner || cur.Version != s.Version {
		return false, nil
	}
	s.Version = cur.Version + 1
	st.simple[s.ID] = cloneSimple(s)
	return true, nil
}

func cloneIntSet(m map[int]struct{}) map[int]struct{} {
	cp := make(map[int]struct{}, len(m))
	for k := range m {
		cp[k] = struct{}{}
	}
	return cp
}

func cloneSimple(s *store.SimpleState) *store.SimpleState {
	cp := *s
	cp.Data = append([]byte(nil), s.Data...)
	return &cp
}
