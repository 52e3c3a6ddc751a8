package dsl_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/flowcore/pkg/dsl"
	"github.com/nuulab/flowcore/pkg/flow"
	"github.com/nuulab/flowcore/pkg/mediator"
	"github.com/nuulab/flowcore/pkg/mediator/inproc"
	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
	"github.com/nuulab/flowcore/pkg/store/memstore"
)

// orderState is the user state threaded through every test flow below.
type orderState struct {
	FlowID      string
	Total       int
	Charged     bool
	Shipped     bool
	Refunded    bool
	Branch      string
	Items       []int
	ItemSum     int
	FailItem    int
}

func (s *orderState) GetFlowID() string     { return s.FlowID }
func (s *orderState) SetFlowID(id string)   { s.FlowID = id }

var msgSeq int64

func nextID() int64 { return atomic.AddInt64(&msgSeq, 1) }

// chargeCmd/shipCmd/refundCmd self-identify so the inproc mediator's
// type-keyed dispatch matches without dsl's envelope wrapping.
type chargeCmd struct{ id int64 }

func (c chargeCmd) MessageID() int64 { return c.id }

type shipCmd struct{ id int64 }

func (c shipCmd) MessageID() int64 { return c.id }

type refundCmd struct{ id int64 }

func (c refundCmd) MessageID() int64 { return c.id }

type failingCmd struct{ id int64 }

func (c failingCmd) MessageID() int64 { return c.id }

func newTestExecutor(t *testing.T, cfg *flow.Config, med mediator.Mediator) (*dsl.Executor, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return dsl.New(cfg, med, st), st
}

// Scenario 1: linear happy path — every step runs once, in order, and
// the flow completes.
func TestRunLinearHappyPath(t *testing.T) {
	var order []string

	med := inproc.New()
	med.HandleCommand(chargeCmd{}, func(ctx context.Context, msg mediator.Message) error {
		order = append(order, "charge")
		return nil
	})
	med.HandleCommand(shipCmd{}, func(ctx context.Context, msg mediator.Message) error {
		order = append(order, "ship")
		return nil
	})

	cfg := flow.New("order").
		Send("charge", func(state any) any { return chargeCmd{id: nextID()} }).Then().
		Send("ship", func(state any) any { return shipCmd{id: nextID()} }).Then().
		MustBuild()

	exec, _ := newTestExecutor(t, cfg, med)
	result, err := exec.Run(context.Background(), &orderState{Total: 100})
	require.NoError(t, err)
	assert.True(t, result.IsSuccess)
	assert.Equal(t, store.StatusCompleted, result.Status)
	assert.Equal(t, 2, result.CompletedSteps)
	assert.Equal(t, []string{"charge", "ship"}, order)
}

// Scenario 2: a failing step triggers compensation of everything that
// already succeeded, in reverse order.
func TestRunFailureTriggersCompensationInReverseOrder(t *testing.T) {
	var compensated []string

	med := inproc.New()
	med.HandleCommand(chargeCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })
	med.HandleCommand(shipCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })
	med.HandleCommand(failingCmd{}, func(ctx context.Context, msg mediator.Message) error {
		return fmt.Errorf("warehouse unreachable")
	})
	med.HandleCommand(refundCmd{}, func(ctx context.Context, msg mediator.Message) error {
		compensated = append(compensated, "refund-charge")
		return nil
	})

	cfg := flow.New("order").
		Send("charge", func(state any) any { return chargeCmd{id: nextID()} }).
		IfFail(func(state any) any { return refundCmd{id: nextID()} }).Then().
		Send("ship", func(state any) any { return shipCmd{id: nextID()} }).
		IfFail(func(state any) any {
			compensated = append(compensated, "unship")
			return shipCmd{id: nextID()}
		}).Then().
		Send("deliver", func(state any) any { return failingCmd{id: nextID()} }).Then().
		MustBuild()

	exec, _ := newTestExecutor(t, cfg, med)
	result, err := exec.Run(context.Background(), &orderState{})
	require.NoError(t, err)
	assert.False(t, result.IsSuccess)
	assert.Equal(t, store.StatusFailed, result.Status)
	// ship succeeded before deliver failed, so its compensation runs
	// first (reverse order), then charge's.
	require.Len(t, compensated, 2)
	assert.Equal(t, "unship", compensated[0])
	assert.Equal(t, "refund-charge", compensated[1])
}

// Scenario 3: If/Else picks exactly one branch.
func TestRunIfElseSelectsOneBranch(t *testing.T) {
	med := inproc.New()
	med.HandleCommand(chargeCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })
	med.HandleCommand(shipCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })

	cfg := flow.New("order").
		If("big order", func(state any) bool { return state.(*orderState).Total > 500 }).
		Send("charge-priority", func(state any) any {
			state.(*orderState).Branch = "priority"
			return chargeCmd{id: nextID()}
		}).Then().
		Else().
		Send("charge-standard", func(state any) any {
			state.(*orderState).Branch = "standard"
			return shipCmd{id: nextID()}
		}).Then().
		EndIf().
		MustBuild()

	exec, _ := newTestExecutor(t, cfg, med)

	result, err := exec.Run(context.Background(), &orderState{Total: 10})
	require.NoError(t, err)
	assert.Equal(t, "standard", result.State.(*orderState).Branch)

	result, err = exec.Run(context.Background(), &orderState{Total: 1000})
	require.NoError(t, err)
	assert.Equal(t, "priority", result.State.(*orderState).Branch)
}

// Scenario 4: Switch with no matching case falls through to Default.
func TestRunSwitchFallsThroughToDefault(t *testing.T) {
	med := inproc.New()
	med.HandleCommand(shipCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })

	cfg := flow.New("order").
		Switch("region", func(state any) any { return state.(*orderState).Branch }).
		Case("us").
		Send("ship-us", func(state any) any {
			state.(*orderState).Branch = "us-handled"
			return shipCmd{id: nextID()}
		}).Then().
		Default().
		Send("ship-default", func(state any) any {
			state.(*orderState).Branch = "default-handled"
			return shipCmd{id: nextID()}
		}).Then().
		EndSwitch().
		MustBuild()

	exec, _ := newTestExecutor(t, cfg, med)
	result, err := exec.Run(context.Background(), &orderState{Branch: "eu"})
	require.NoError(t, err)
	assert.Equal(t, "default-handled", result.State.(*orderState).Branch)
}

// Scenario 6: WhenAll suspends the flow until both children report,
// driven here by direct Coordinator.Signal calls standing in for
// whatever external mediator reports child flow completion.
func TestRunWhenAllSuspendsThenResumesOnBothSignals(t *testing.T) {
	med := inproc.New()
	med.HandleCommand(chargeCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })
	med.HandleCommand(shipCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })

	cfg := flow.New("order").
		WhenAll("charge-and-ship",
			func(state any) any { return chargeCmd{id: nextID()} },
			func(state any) any { return shipCmd{id: nextID()} },
		).Then().
		Send("finalize", func(state any) any { return chargeCmd{id: nextID()} }).Then().
		MustBuild()

	exec, _ := newTestExecutor(t, cfg, med)
	result, err := exec.Run(context.Background(), &orderState{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, result.Status)

	snap, err := exec.Get(context.Background(), result.FlowID)
	require.NoError(t, err)
	require.NotNil(t, snap.Wait)
	corrID := snap.Wait.CorrelationID

	coord := exec.Coordinator()
	w, err := coord.Get(context.Background(), corrID)
	require.NoError(t, err)
	require.Len(t, w.ChildIDs, 2)

	_, satisfied, err := coord.Signal(context.Background(), corrID, w.ChildIDs[0], true, "", nil)
	require.NoError(t, err)
	assert.False(t, satisfied)

	_, satisfied, err = coord.Signal(context.Background(), corrID, w.ChildIDs[1], true, "", nil)
	require.NoError(t, err)
	assert.True(t, satisfied)

	result, err = exec.Resume(context.Background(), result.FlowID)
	require.NoError(t, err)
	assert.True(t, result.IsSuccess)
	assert.Equal(t, store.StatusCompleted, result.Status)
}

// Scenario 5: ForEach persists per-item progress independently of the
// main snapshot, so a later Run over the same items skips the ones
// already recorded as completed.
func TestForEachSkipsAlreadyCompletedItemsOnRetry(t *testing.T) {
	var processed []int

	med := inproc.New()
	med.HandleCommand(chargeCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })

	cfg := flow.New("batch").
		ForEach("charge-each", func(state any) any { return state.(*orderState).Items }).
		Configure(func(item any, index int, sub *flow.Builder) {
			sub.Send("charge-item", func(state any) any {
				processed = append(processed, item.(int))
				return chargeCmd{id: nextID()}
			})
		}).
		EndForEach().
		MustBuild()

	exec, st := newTestExecutor(t, cfg, med)

	state := &orderState{FlowID: "batch-1", Items: []int{10, 20, 30}}
	_, err := st.Create(context.Background(), &store.Snapshot{
		FlowID:   state.FlowID,
		State:    state,
		Position: step.Root(),
		Status:   store.StatusRunning,
	})
	require.NoError(t, err)

	// An earlier run already finished item 0 before being interrupted.
	prior := store.NewForEachProgress(state.FlowID, step.Root().String(), len(state.Items))
	prior.Completed[0] = struct{}{}
	require.NoError(t, st.SaveForEachProgress(context.Background(), state.FlowID, step.Root().String(), prior))

	result, err := exec.Resume(context.Background(), state.FlowID)
	require.NoError(t, err)
	assert.True(t, result.IsSuccess)
	assert.ElementsMatch(t, []int{20, 30}, processed)
}

// Cancellation mid-flow is persisted as Cancelled, never Failed, and by
// default does not run compensation.
func TestRunCancelledContextPersistsCancelledNotFailed(t *testing.T) {
	med := inproc.New()
	med.HandleCommand(chargeCmd{}, func(ctx context.Context, msg mediator.Message) error { return nil })

	cfg := flow.New("order").
		Send("charge", func(state any) any { return chargeCmd{id: nextID()} }).Then().
		MustBuild()

	exec, _ := newTestExecutor(t, cfg, med)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := exec.Run(ctx, &orderState{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, result.Status)
}
