package dsl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nuulab/flowcore/pkg/flow"
	"github.com/nuulab/flowcore/pkg/mediator"
	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
	"github.com/nuulab/flowcore/pkg/wait"
)

// maxCASAttempts bounds the retry loop around a single snapshot
// Update call; a persistent conflict past this many attempts means
// some other process is racing the same flow id faster than we can
// keep up, and the caller should see that as an error rather than
// spin forever.
const maxCASAttempts = 20

// Executor is the DSL Executor (spec.md §4.3): it walks a flow.Config's
// step tree against a mediator and a snapshot store, persisting after
// every step that actually runs.
type Executor struct {
	cfg   *flow.Config
	med   mediator.Mediator
	store store.SnapshotStore
	coord *wait.Coordinator

	compensateOnCancel bool
}

// New builds an Executor for cfg. cfg must already be built
// (flow.Builder.Build/MustBuild).
func New(cfg *flow.Config, med mediator.Mediator, st store.SnapshotStore, opts ...Option) *Executor {
	e := &Executor{cfg: cfg, med: med, store: st, coord: wait.New(st)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Coordinator exposes the Wait Coordinator backing this executor, so a
// pkg/resume handler can wire itself as its Resumer.
func (e *Executor) Coordinator() *wait.Coordinator { return e.coord }

// Run starts a new flow instance. If state already carries a flow id
// (GetFlowID non-empty) and a snapshot already exists under it, Run
// behaves like Resume instead of erroring — spec.md §7 treats a
// re-submitted Run as idempotent w.r.t. an in-flight flow.
func (e *Executor) Run(ctx context.Context, state Identifiable) (*Result, error) {
	flowID := state.GetFlowID()
	if flowID == "" {
		flowID = uuid.NewString()
		state.SetFlowID(flowID)
	}

	snap := &store.Snapshot{
		FlowID:   flowID,
		State:    state,
		Position: step.Root(),
		Status:   store.StatusRunning,
		Version:  0,
	}
	created, err := e.store.Create(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("dsl: run %s: %w", flowID, err)
	}
	if !created {
		return e.Resume(ctx, flowID)
	}

	return e.loop(ctx, snap)
}

// Resume continues a previously suspended or not-yet-started flow from
// its persisted position. A flow already in a terminal status returns
// immediately without re-executing anything (spec.md §4.3 "Resume").
// A flow suspended on a WhenAll/WhenAny/timer wait that has not yet
// been satisfied also returns immediately, unchanged: there is nothing
// to advance until the wait condition resolves (normally driven by
// pkg/resume reacting to wait.Coordinator.Signal, not by a bare poll).
func (e *Executor) Resume(ctx context.Context, flowID string) (*Result, error) {
	snap, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("dsl: resume %s: %w", flowID, err)
	}
	if snap.Status.Terminal() {
		return resultFromSnapshot(snap), nil
	}

	if snap.Status == store.StatusSuspended && snap.Wait != nil {
		result, advanced, err := e.settleWait(ctx, snap)
		if err != nil || !advanced {
			return result, err
		}
	} else if snap.Status == store.StatusWaitingForResponse {
		snap.Status = store.StatusRunning
	}

	return e.loop(ctx, snap)
}

// settleWait checks the wait condition snap is parked on. If it is not
// yet satisfied, it returns the current snapshot as-is (advanced=false)
// and the caller must not re-enter the execution loop. If satisfied, it
// binds any WhenAny result, runs WhenAll's failure compensation if a
// child failed, advances snap past the suspending step, and reports
// advanced=true so the caller resumes the loop from there.
func (e *Executor) settleWait(ctx context.Context, snap *store.Snapshot) (*Result, bool, error) {
	corrID := snap.Wait.CorrelationID
	w, err := e.store.GetWaitCondition(ctx, corrID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already consumed by a concurrent resume; proceed past it.
			snap.Wait = nil
			snap.Status = store.StatusRunning
			snap.Position = flow.NextSibling(snap.Position)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("dsl: resume %s: load wait: %w", snap.FlowID, err)
	}
	if !w.Satisfied() {
		return resultFromSnapshot(snap), false, nil
	}

	s, ok := e.cfg.StepAt(snap.Position)
	if ok {
		switch s.Kind {
		case step.KindWhenAny:
			if s.WhenAnyInto != nil {
				if winner, found := firstSuccess(w); found {
					snap.State = s.WhenAnyInto(snap.State, winner.Result)
				}
			}
		case step.KindWhenAll:
			if failed, found := firstFailure(w); found {
				if s.AggregateComp != nil {
					_ = e.med.Send(ctx, wrapMessage(s.AggregateComp(snap.State)))
				}
				_ = e.store.ClearWaitCondition(ctx, corrID)
				msg := fmt.Sprintf("step %q: child %s failed: %s", s.Name, failed.ChildID, failed.Error)
				snap.Status = store.StatusFailed
				snap.Error = msg
				snap.Wait = nil
				if err := e.persist(ctx, snap); err != nil {
					return nil, false, err
				}
				return resultFromSnapshot(snap), false, nil
			}
		}
	}

	_ = e.store.ClearWaitCondition(ctx, corrID)
	snap.Wait = nil
	snap.Status = store.StatusRunning
	snap.Position = flow.NextSibling(snap.Position)
	return nil, true, nil
}

func firstSuccess(w *store.WaitCondition) (store.ChildResult, bool) {
	for _, r := range w.Results {
		if r.Success {
			return r, true
		}
	}
	return store.ChildResult{}, false
}

func firstFailure(w *store.WaitCondition) (store.ChildResult, bool) {
	for _, r := range w.Results {
		if !r.Success {
			return r, true
		}
	}
	return store.ChildResult{}, false
}

// Cancel transitions a non-terminal flow to Cancelled. It reports
// false (no error) when the flow was already terminal.
func (e *Executor) Cancel(ctx context.Context, flowID string) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		snap, err := e.store.Get(ctx, flowID)
		if err != nil {
			return false, fmt.Errorf("dsl: cancel %s: %w", flowID, err)
		}
		if snap.Status.Terminal() {
			return false, nil
		}
		snap.Status = store.StatusCancelled
		snap.Error = "cancelled"
		snap.UpdatedAt = time.Now()
		ok, err := e.store.Update(ctx, snap)
		if err != nil {
			return false, fmt.Errorf("dsl: cancel %s: %w", flowID, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, fmt.Errorf("dsl: cancel %s: exceeded %d CAS attempts", flowID, maxCASAttempts)
}

// Get returns the current persisted snapshot for a flow.
func (e *Executor) Get(ctx context.Context, flowID string) (*store.Snapshot, error) {
	return e.store.Get(ctx, flowID)
}

// trailEntry is one successfully executed, compensable step recorded
// during a single loop call, in execution order.
type trailEntry struct {
	step  *step.Step
	state any
}

// loop is the core execution state machine (spec.md §4.3 steps 1-7). It
// advances snap.Position one step at a time, persisting after each
// step that actually runs, until the flow suspends, fails, completes,
// or the context is cancelled. snap.CompletedSteps is cumulative across
// Run/Resume calls, so a flow that suspends and is later resumed still
// reports its full lifetime step count in the final Result.
func (e *Executor) loop(ctx context.Context, snap *store.Snapshot) (*Result, error) {
	var trail []trailEntry

	for {
		if err := ctx.Err(); err != nil {
			return e.finishCancelled(ctx, snap, trail)
		}

		s, ok := e.cfg.StepAt(snap.Position)
		if !ok {
			if next, hasParent := flow.PopToParent(snap.Position); hasParent {
				snap.Position = next
				continue
			}
			return e.finishCompleted(ctx, snap)
		}

		if s.Opts.OnlyWhen != nil && !s.Opts.OnlyWhen(snap.State) {
			snap.Position = flow.NextSibling(snap.Position)
			continue
		}

		switch s.Kind {
		case step.KindIf:
			branchIdx, matched := e.chooseIfBranch(s, snap.State)
			if !matched {
				snap.Position = flow.NextSibling(snap.Position)
				continue
			}
			snap.Position = flow.EnterBranch(snap.Position, branchIdx)
			continue

		case step.KindSwitch:
			branchIdx, matched := e.chooseSwitchBranch(s, snap.State)
			if !matched {
				snap.Position = flow.NextSibling(snap.Position)
				continue
			}
			snap.Position = flow.EnterBranch(snap.Position, branchIdx)
			continue
		}

		newState, stepErr := e.runWithRetry(ctx, s, snap)

		if stepErr != nil {
			if errors.Is(stepErr, errSuspended) {
				return e.finishSuspended(ctx, snap)
			}
			if ctx.Err() != nil {
				return e.finishCancelled(ctx, snap, trail)
			}
			if s.Opts.Optional {
				snap.Position = flow.NextSibling(snap.Position)
				continue
			}
			return e.finishFailed(ctx, snap, trail, s, stepErr)
		}

		snap.State = newState
		snap.CompletedSteps++
		if s.Compensation != nil {
			trail = append(trail, trailEntry{step: s, state: snap.State})
		}

		if e.cfg.OnStepCompleted() != nil {
			if evt := e.cfg.OnStepCompleted()(snap.State, snap.CompletedSteps); evt != nil {
				_ = e.med.Publish(ctx, wrapEvent(evt))
			}
		}

		// A state that tracks its own dirty bits can tell us a step was
		// a no-op; skip the snapshot write and clear nothing, since
		// there's nothing new to clear (spec.md §4.7).
		if tracked, ok := snap.State.(Tracked); ok && !tracked.Changes().HasChanges() {
			snap.Position = flow.NextSibling(snap.Position)
			continue
		}

		if err := e.persist(ctx, snap); err != nil {
			return nil, err
		}
		if tracked, ok := snap.State.(Tracked); ok {
			tracked.Changes().Clear()
		}

		snap.Position = flow.NextSibling(snap.Position)
	}
}

// errSuspended is returned by a step's execution function to signal
// "this step parked the flow; the loop must stop advancing", without
// it being a logical failure of the step itself.
var errSuspended = errors.New("dsl: step suspended the flow")

// runWithRetry executes one non-structural step, retrying up to the
// step's (or flow's) retry budget on logical failure before giving up.
// Optional steps run once and are never retried.
func (e *Executor) runWithRetry(ctx context.Context, s *step.Step, snap *store.Snapshot) (any, error) {
	limit := e.cfg.Retry()
	if s.Opts.RetryOverride > 0 {
		limit = s.Opts.RetryOverride
	}
	if s.Opts.Optional {
		limit = 0
	}

	var lastErr error
	for attempt := 0; attempt <= limit; attempt++ {
		newState, err := e.runStep(ctx, s, snap)
		if err == nil || errors.Is(err, errSuspended) {
			return newState, err
		}
		lastErr = err
	}
	return snap.State, lastErr
}

// runStep dispatches a single non-structural step by kind.
func (e *Executor) runStep(ctx context.Context, s *step.Step, snap *store.Snapshot) (any, error) {
	switch s.Kind {
	case step.KindSend, step.KindQuery:
		return e.runSendOrQuery(ctx, s, snap.State)
	case step.KindPublish:
		return e.runPublish(ctx, s, snap.State)
	case step.KindForEach:
		return e.runForEach(ctx, s, snap)
	case step.KindWhenAll, step.KindWhenAny:
		return snap.State, e.runFanOut(ctx, s, snap)
	case step.KindDelay:
		at := time.Now().Add(s.Duration)
		return snap.State, e.runSuspendUntil(ctx, s, snap, at)
	case step.KindScheduleAt:
		at := s.At(snap.State)
		return snap.State, e.runSuspendUntil(ctx, s, snap, at)
	default:
		return snap.State, fmt.Errorf("dsl: step %q: unhandled kind %q", s.Name, s.Kind)
	}
}

// chooseIfBranch evaluates an If's condition chain and returns the
// branch component to descend into (0=then, 1+N=elseif N, step.Else),
// or ok=false when nothing matched (the If is a no-op).
func (e *Executor) chooseIfBranch(s *step.Step, state any) (int, bool) {
	if s.Condition(state) {
		return 0, true
	}
	for i, ei := range s.ElseIfs {
		if ei.Condition(state) {
			return i + 1, true
		}
	}
	if s.HasElse {
		return step.Else, true
	}
	return 0, false
}

// chooseSwitchBranch resolves a Switch's selector value to a case (or
// default) branch component.
func (e *Executor) chooseSwitchBranch(s *step.Step, state any) (int, bool) {
	value := s.Selector(state)
	if idx, ok := s.CaseFor(value); ok {
		return idx, true
	}
	if s.HasDefault {
		return step.Else, true
	}
	return 0, false
}

// persist writes snap with its version bumped, retrying the whole
// caller-visible step once on a CAS conflict is not attempted here:
// the DSL executor owns its flow id exclusively while running (no
// other process advances the same position concurrently), so a
// conflict here means corruption, not contention, and is surfaced.
func (e *Executor) persist(ctx context.Context, snap *store.Snapshot) error {
	snap.UpdatedAt = time.Now()
	ok, err := e.store.Update(ctx, snap)
	if err != nil {
		return fmt.Errorf("dsl: persist %s: %w", snap.FlowID, err)
	}
	if !ok {
		return fmt.Errorf("dsl: persist %s: %w", snap.FlowID, store.ErrConflict)
	}
	return nil
}

func (e *Executor) finishCompleted(ctx context.Context, snap *store.Snapshot) (*Result, error) {
	snap.Status = store.StatusCompleted
	snap.Error = ""
	if err := e.persist(ctx, snap); err != nil {
		return nil, err
	}
	if e.cfg.OnFlowCompleted() != nil {
		if evt := e.cfg.OnFlowCompleted()(snap.State); evt != nil {
			_ = e.med.Publish(ctx, wrapEvent(evt))
		}
	}
	return resultFromSnapshot(snap), nil
}

func (e *Executor) finishSuspended(ctx context.Context, snap *store.Snapshot) (*Result, error) {
	if err := e.persist(ctx, snap); err != nil {
		return nil, err
	}
	return resultFromSnapshot(snap), nil
}

func (e *Executor) finishFailed(ctx context.Context, snap *store.Snapshot, trail []trailEntry, failedStep *step.Step, cause error) (*Result, error) {
	e.compensate(ctx, trail)

	msg := failedStep.Opts.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("step %q: %v", failedStep.Name, cause)
	}
	snap.Status = store.StatusFailed
	snap.Error = msg
	if err := e.persist(ctx, snap); err != nil {
		return nil, err
	}
	if e.cfg.OnFlowFailed() != nil {
		if evt := e.cfg.OnFlowFailed()(snap.State, errors.New(msg)); evt != nil {
			_ = e.med.Publish(ctx, wrapEvent(evt))
		}
	}
	return resultFromSnapshot(snap), nil
}

// finishCancelled persists Cancelled rather than Failed when the
// context was cancelled mid-step (spec.md §7 distinguishes the two:
// cancellation is never surfaced as a logical failure). Compensation
// only runs here if the flow opted in via WithCompensateOnCancel.
func (e *Executor) finishCancelled(ctx context.Context, snap *store.Snapshot, trail []trailEntry) (*Result, error) {
	if e.compensateOnCancel {
		e.compensate(context.Background(), trail)
	}
	snap.Status = store.StatusCancelled
	snap.Error = "cancelled"
	// The inbound ctx is already done; persisting the terminal status
	// must not be skipped because of it.
	ok, err := e.store.Update(context.Background(), snap)
	if err != nil {
		return nil, fmt.Errorf("dsl: persist cancellation %s: %w", snap.FlowID, err)
	}
	if !ok {
		return nil, fmt.Errorf("dsl: persist cancellation %s: %w", snap.FlowID, store.ErrConflict)
	}
	return resultFromSnapshot(snap), nil
}

// compensate runs IfFail compensating messages in reverse execution
// order, best-effort: a compensation error is logged but never stops
// the remaining rollbacks (spec.md §4.3 step 6, §7).
func (e *Executor) compensate(ctx context.Context, trail []trailEntry) {
	for i := len(trail) - 1; i >= 0; i-- {
		entry := trail[i]
		msg := entry.step.Compensation(entry.state)
		if err := e.med.Send(ctx, wrapMessage(msg)); err != nil {
			log.Printf("dsl: compensation failed for step %q: %v", entry.step.Name, err)
		}
	}
}
