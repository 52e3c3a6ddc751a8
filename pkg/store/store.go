// Package store defines the snapshot store contract (spec.md §6): the
// only surface the executors depend on for durability. Backends
// (pkg/store/memstore, pkg/store/redisstore) implement SnapshotStore
// against whatever native atomicity primitives they have; the core
// never assumes more than compare-and-set on (id, version).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nuulab/flowcore/pkg/step"
)

// Status is the lifecycle state of a flow snapshot.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning             Status = "running"
	StatusWaitingForResponse Status = "waiting_for_response"
	StatusSuspended          Status = "suspended"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// Terminal reports whether the status is one the executor never
// advances past.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned (wrapped, via errors.Is) whenever an
// operation is asked to act on an id the store has no record of. The
// DSL executor's Resume relies on this to build the "not found"
// substring spec.md §7 requires in user-visible errors.
var ErrNotFound = errors.New("not found")

// ErrConflict signals a failed compare-and-set: the caller observed a
// stale version (or, for the simple engine, a stale owner/version
// pair) and must reload and retry.
var ErrConflict = errors.New("storage conflict")

// Snapshot is the unit of persistence for one DSL flow instance.
type Snapshot struct {
	FlowID string
	State  any
	// CompletedSteps is a cumulative count of non-skipped steps actually
	// executed over the flow's entire lifetime, surviving Suspend/Resume
	// so the DSL Executor's final Result reports the true total rather
	// than just the steps run in the last Resume call (spec.md §8).
	CompletedSteps int
	Position       step.Position
	Status         Status
	Error          string
	Wait           *WaitCondition
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// ChildResult is one reported outcome inside a WaitCondition.
type ChildResult struct {
	ChildID string
	Success bool
	Error   string
	Result  any
}

// WaitKind distinguishes All-of from Any-of wait semantics.
type WaitKind string

const (
	WaitAll   WaitKind = "all"
	WaitAny   WaitKind = "any"
	WaitTimer WaitKind = "timer" // Delay/ScheduleAt: satisfied only via the timeout scan
)

// WaitCondition records a suspended parent flow awaiting one or more
// child flow completions or a timer (spec.md §3 "Wait Condition").
type WaitCondition struct {
	CorrelationID string
	Kind          WaitKind
	Expected      int
	Completed     int
	ChildIDs      []string
	Results       []ChildResult
	Timeout       time.Time
	ParentFlowID  string
	ParentPos     step.Position
}

// Satisfied reports whether the wait's completion discipline has been
// met: all children reported for WaitAll, or at least one for WaitAny.
func (w *WaitCondition) Satisfied() bool {
	switch w.Kind {
	case WaitAny:
		return w.Completed >= 1
	default:
		return w.Completed >= w.Expected
	}
}

// seen reports whether childID already has a recorded result, so the
// atomic append operation can reject duplicate signals.
func (w *WaitCondition) seen(childID string) bool {
	for _, r := range w.Results {
		if r.ChildID == childID {
			return true
		}
	}
	return false
}

// ForEachProgress is checkpointed under (flow id, step path) so a
// ForEach step can resume without re-running completed items.
type ForEachProgress struct {
	FlowID       string
	StepPath     string
	CurrentIndex int
	Total        int
	Completed    map[int]struct{}
	Failed       map[int]struct{}
}

// NewForEachProgress returns a zeroed progress record for total items.
func NewForEachProgress(flowID, stepPath string, total int) *ForEachProgress {
	return &ForEachProgress{
		FlowID:    flowID,
		StepPath:  stepPath,
		Total:     total,
		Completed: make(map[int]struct{}),
		Failed:    make(map[int]struct{}),
	}
}

// SimpleState is the persisted record for the Simple Flow Engine
// (spec.md §3 "Simple Flow State", §4.5). Field tags are lower_snake:
// redisstore's Lua CAS scripts decode/re-encode this shape with
// cjson and compare fields by these exact names.
type SimpleState struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Status      SimpleStatus `json:"status"`
	Step        int          `json:"step"`
	Version     int64        `json:"version"`
	Owner       string       `json:"owner"`
	HeartbeatAt int64        `json:"heartbeat_at"` // epoch milliseconds
	Data        []byte       `json:"data"`
	Error       string       `json:"error"`
}

// SimpleStatus is the compact status enum of the Simple Flow Engine.
type SimpleStatus string

const (
	SimpleRunning     SimpleStatus = "running"
	SimpleCompensating SimpleStatus = "compensating"
	SimpleDone        SimpleStatus = "done"
	SimpleFailed      SimpleStatus = "failed"
)

// Terminal reports whether the simple engine treats the status as
// final (idempotent re-Execute short-circuits to the stored outcome).
func (s SimpleStatus) Terminal() bool {
	return s == SimpleDone || s == SimpleFailed
}

// WaitMutator appends a child's result and increments Completed by
// one inside UpdateWaitCondition's atomic section. Implementations
// must reject duplicate child ids (see WaitCondition.seen) and must
// not be invoked for already-terminal waits.
type WaitMutator func(w *WaitCondition) error

// SnapshotStore is the full contract spec.md §6 names. Every method
// must be safe for concurrent invocation; Update, TryClaim, Heartbeat
// and UpdateWaitCondition are the store's compare-and-set primitives
// and must be atomic even against concurrent callers racing the same
// key.
type SnapshotStore interface {
	// Create inserts iff FlowID is absent. Returns true on insert,
	// false on conflict (id already exists).
	Create(ctx context.Context, snap *Snapshot) (bool, error)

	// Get returns the current snapshot, or (nil, ErrNotFound).
	Get(ctx context.Context, flowID string) (*Snapshot, error)

	// Update writes a new revision iff the stored version equals
	// snap.Version. On success the stored version becomes
	// snap.Version+1 and snap.Version is updated to match. Returns
	// (false, nil) on a version conflict — not an error — so callers
	// can decide whether to reload and retry.
	Update(ctx context.Context, snap *Snapshot) (bool, error)

	// Delete removes the snapshot and reports whether it existed.
	Delete(ctx context.Context, flowID string) (bool, error)

	SetWaitCondition(ctx context.Context, corrID string, w *WaitCondition) error
	GetWaitCondition(ctx context.Context, corrID string) (*WaitCondition, error)

	// UpdateWaitCondition atomically applies mutate to the wait
	// condition stored under corrID and returns the post-image. It
	// must prevent double-counting a repeated child id.
	UpdateWaitCondition(ctx context.Context, corrID string, mutate WaitMutator) (*WaitCondition, error)

	ClearWaitCondition(ctx context.Context, corrID string) error

	// GetTimedOutWaitConditions returns every non-satisfied wait whose
	// Timeout is at or before now.
	GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]*WaitCondition, error)

	SaveForEachProgress(ctx context.Context, flowID, stepPath string, p *ForEachProgress) error
	GetForEachProgress(ctx context.Context, flowID, stepPath string) (*ForEachProgress, error)
	ClearForEachProgress(ctx context.Context, flowID, stepPath string) error

	// TryClaim atomically transfers ownership of a Simple Flow Engine
	// state to nodeID iff the current owner's heartbeat is older than
	// claimTimeoutMs (or owner is empty) and the state is not
	// terminal. Returns the claimed state and true on success.
	TryClaim(ctx context.Context, flowType, flowID, nodeID string, claimTimeoutMs int64) (*SimpleState, bool, error)

	// Heartbeat updates HeartbeatAt iff owner and version still match.
	Heartbeat(ctx context.Context, flowID, owner string, version int64) (bool, error)

	// CreateSimple inserts a SimpleState iff its id is absent, owned
	// by owner from the start. Returns true on insert.
	CreateSimple(ctx context.Context, s *SimpleState) (bool, error)

	// GetSimple returns the current SimpleState, or (nil, ErrNotFound).
	GetSimple(ctx context.Context, flowID string) (*SimpleState, error)

	// UpdateSimple is Update's counterpart for SimpleState, CAS on
	// (id, owner, version).
	UpdateSimple(ctx context.Context, s *SimpleState) (bool, error)
}
