package dsl

import (
	"context"
	"fmt"
	"time"

	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
)

// timerChildID is the single synthetic child id registered for a
// Delay/ScheduleAt wait condition. A timer wait has no real children
// to report, but WaitCondition.Satisfied treats Expected=0 as already
// satisfied, so Register is always called with exactly one id here to
// give the wait a genuine "not yet satisfied" state until the timeout
// scan fires.
const timerChildID = "timer"

// runSendOrQuery executes a Send/SendResult/Query step: dispatch via
// the mediator, apply FailIf, and bind the result via Into.
func (e *Executor) runSendOrQuery(ctx context.Context, s *step.Step, state any) (any, error) {
	msg := s.Message(state)

	if !s.HasResult {
		if err := e.med.Send(ctx, wrapMessage(msg)); err != nil {
			return state, fmt.Errorf("step %q: %w", s.Name, err)
		}
		return state, nil
	}

	result, err := e.med.SendResult(ctx, wrapMessage(msg))
	if err != nil {
		return state, fmt.Errorf("step %q: %w", s.Name, err)
	}
	if s.Opts.FailIf != nil && s.Opts.FailIf(result) {
		if s.Opts.FailIfMessage != "" {
			return state, fmt.Errorf("step %q: %s", s.Name, s.Opts.FailIfMessage)
		}
		return state, fmt.Errorf("step %q: failIf matched result", s.Name)
	}
	if s.Into != nil {
		state = s.Into(state, result)
	}
	return state, nil
}

// runPublish executes a Publish step: fire-and-forget, no result.
func (e *Executor) runPublish(ctx context.Context, s *step.Step, state any) (any, error) {
	msg := s.Message(state)
	if err := e.med.Publish(ctx, wrapEvent(msg)); err != nil {
		return state, fmt.Errorf("step %q: %w", s.Name, err)
	}
	return state, nil
}

// runSuspendUntil registers a timer wait condition for Delay/ScheduleAt
// and returns errSuspended so the loop persists the snapshot and stops
// without advancing position — a later timeout-scan tick (or an
// out-of-band Signal, for tests that want to fast-forward) resumes it.
func (e *Executor) runSuspendUntil(ctx context.Context, s *step.Step, snap *store.Snapshot, at time.Time) error {
	corrID, err := e.coord.Register(ctx, snap.FlowID, snap.Position, store.WaitTimer, []string{timerChildID}, at)
	if err != nil {
		return fmt.Errorf("step %q: %w", s.Name, err)
	}
	snap.Status = store.StatusSuspended
	snap.Wait = &store.WaitCondition{CorrelationID: corrID, Kind: store.WaitTimer, Expected: 1, Timeout: at}
	return errSuspended
}

// runFanOut dispatches every child factory's message and registers a
// WhenAll/WhenAny wait condition, then suspends. Children run as fresh
// messages with no persisted relationship back to this flow beyond the
// correlation id; a concrete mediator is expected to stamp returned
// events with that id itself, or the caller Signals the coordinator
// directly once a child finishes (pkg/resume wires this for a
// mediator that manages child flow ids).
func (e *Executor) runFanOut(ctx context.Context, s *step.Step, snap *store.Snapshot) error {
	kind := store.WaitAll
	if s.Kind == step.KindWhenAny {
		kind = store.WaitAny
	}

	childIDs := make([]string, len(s.Children))
	for i, factory := range s.Children {
		msg := factory(snap.State)
		wrapped := wrapMessage(msg)
		childIDs[i] = fmt.Sprintf("%s:%d", s.Name, wrapped.MessageID())
		if err := e.med.Send(ctx, wrapped); err != nil {
			return fmt.Errorf("step %q: dispatch child %d: %w", s.Name, i, err)
		}
	}

	var timeout time.Time
	if s.AggregateTimeout > 0 {
		timeout = time.Now().Add(s.AggregateTimeout)
	}
	corrID, err := e.coord.Register(ctx, snap.FlowID, snap.Position, kind, childIDs, timeout)
	if err != nil {
		return fmt.Errorf("step %q: %w", s.Name, err)
	}

	snap.Status = store.StatusSuspended
	snap.Wait = &store.WaitCondition{CorrelationID: corrID, Kind: kind, Expected: len(childIDs), Timeout: timeout}
	return errSuspended
}
