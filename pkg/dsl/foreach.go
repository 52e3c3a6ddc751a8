package dsl

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
)

// itemOutcome is one ForEach item's result, folded back under a mutex
// regardless of which goroutine produced it (spec.md §5: OnItemSuccess
// invocations under parallelism>1 may interleave, and callers must
// tolerate that — this is what makes it safe).
type itemOutcome struct {
	index int
	err   error
}

// toSlice reflects an arbitrary slice/array Selector result into a
// []any the ForEach loop can index, since step.Selector is typed
// func(state any) any and most flows hand it a concrete []T.
func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("source resolved to %T, not a slice", v)
	}
}

// runForEach executes a ForEach step to completion (or to the first
// failure, if ContinueOnFailure is not set), checkpointing
// store.ForEachProgress independently of the main Snapshot — the
// snapshot's Position/Status stay fixed at this step throughout
// iteration and are not re-persisted per item; only progress is.
func (e *Executor) runForEach(ctx context.Context, s *step.Step, snap *store.Snapshot) (any, error) {
	stepPath := snap.Position.String()

	items, err := toSlice(s.Source(snap.State))
	if err != nil {
		return snap.State, fmt.Errorf("step %q: %w", s.Name, err)
	}

	progress, err := e.store.GetForEachProgress(ctx, snap.FlowID, stepPath)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return snap.State, fmt.Errorf("step %q: load progress: %w", s.Name, err)
	}
	if progress == nil {
		progress = store.NewForEachProgress(snap.FlowID, stepPath, len(items))
	}

	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	baseState := snap.State
	state := snap.State

	var (
		mu              sync.Mutex
		firstErr        error
		sinceCheckpoint int
	)

	checkpoint := func() {
		sinceCheckpoint++
		if sinceCheckpoint < batchSize {
			return
		}
		sinceCheckpoint = 0
		if err := e.store.SaveForEachProgress(ctx, snap.FlowID, stepPath, progress); err != nil {
			// Best effort: a failed checkpoint write here only costs
			// re-running already-finished items on a later crash, it
			// never corrupts the final result of this call.
			_ = err
		}
	}

	p := pool.NewWithResults[itemOutcome]().WithContext(ctx).WithMaxGoroutines(s.Parallelism)
	if !s.ContinueOnFailure {
		p = p.WithCancelOnError()
	}

	for idx, item := range items {
		if _, done := progress.Completed[idx]; done {
			continue
		}
		idx, item := idx, item
		p.Go(func(ctx context.Context) (itemOutcome, error) {
			if err := ctx.Err(); err != nil {
				return itemOutcome{index: idx, err: err}, err
			}
			body := s.ItemBody(item, idx)
			_, bodyErr := e.runItemSteps(ctx, body, baseState)

			mu.Lock()
			defer mu.Unlock()
			if bodyErr != nil {
				progress.Failed[idx] = struct{}{}
				if firstErr == nil {
					firstErr = fmt.Errorf("item %d: %w", idx, bodyErr)
				}
			} else {
				progress.Completed[idx] = struct{}{}
				if s.OnItemSuccess != nil {
					state = s.OnItemSuccess(state, item, idx)
				}
			}
			checkpoint()
			return itemOutcome{index: idx, err: bodyErr}, bodyErr
		})
	}
	if _, err := p.Wait(); err != nil && s.ContinueOnFailure {
		// WithCancelOnError was not set; Wait's error is informational
		// only here, firstErr (above) is what callers see.
		_ = err
	}

	if err := e.store.SaveForEachProgress(ctx, snap.FlowID, stepPath, progress); err != nil {
		return state, fmt.Errorf("step %q: save progress: %w", s.Name, err)
	}

	if firstErr != nil && !s.ContinueOnFailure {
		return state, fmt.Errorf("step %q: %w", s.Name, firstErr)
	}

	if s.OnForEachComplete != nil {
		state = s.OnForEachComplete(state)
	}
	if err := e.store.ClearForEachProgress(ctx, snap.FlowID, stepPath); err != nil {
		return state, fmt.Errorf("step %q: clear progress: %w", s.Name, err)
	}
	return state, nil
}

// runItemSteps executes a flat per-item body sequentially against
// state. If/Switch nesting is supported; ForEach/WhenAll/WhenAny/Delay/
// ScheduleAt are not — a per-item body runs to completion inside one
// call and has nowhere to persist a suspension, so nesting one of the
// suspending kinds is a build-time-unchecked but run-time-rejected
// configuration error.
func (e *Executor) runItemSteps(ctx context.Context, steps []*step.Step, state any) (any, error) {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if s.Opts.OnlyWhen != nil && !s.Opts.OnlyWhen(state) {
			continue
		}

		switch s.Kind {
		case step.KindIf:
			branchIdx, matched := e.chooseIfBranch(s, state)
			if !matched {
				continue
			}
			newState, err := e.runItemSteps(ctx, itemBranchSteps(s, branchIdx), state)
			if err != nil {
				return state, err
			}
			state = newState

		case step.KindSwitch:
			branchIdx, matched := e.chooseSwitchBranch(s, state)
			if !matched {
				continue
			}
			newState, err := e.runItemSteps(ctx, itemSwitchSteps(s, branchIdx), state)
			if err != nil {
				return state, err
			}
			state = newState

		case step.KindForEach, step.KindWhenAll, step.KindWhenAny, step.KindDelay, step.KindScheduleAt:
			return state, fmt.Errorf("step %q: %s is not supported inside a ForEach item body", s.Name, s.Kind)

		default:
			newState, err := e.runStepFlat(ctx, s, state)
			if err != nil {
				if s.Opts.Optional {
					continue
				}
				return state, err
			}
			state = newState
		}
	}
	return state, nil
}

// runStepFlat executes a leaf step against a bare state value, for
// contexts (ForEach item bodies) that have no Snapshot/Position of
// their own to thread through runStep.
func (e *Executor) runStepFlat(ctx context.Context, s *step.Step, state any) (any, error) {
	switch s.Kind {
	case step.KindSend, step.KindQuery:
		return e.runSendOrQuery(ctx, s, state)
	case step.KindPublish:
		return e.runPublish(ctx, s, state)
	default:
		return state, fmt.Errorf("step %q: unhandled kind %q", s.Name, s.Kind)
	}
}

// itemBranchSteps mirrors pkg/flow's branch resolution for an If, but
// returns the step slice directly rather than a Position component —
// item bodies are flat trees with no persisted cursor.
func itemBranchSteps(s *step.Step, branchIdx int) []*step.Step {
	if branchIdx == step.Else {
		return s.Else.Steps
	}
	if branchIdx == 0 {
		return s.Then.Steps
	}
	return s.ElseIfs[branchIdx-1].Branch.Steps
}

// itemSwitchSteps is itemBranchSteps' Switch counterpart.
func itemSwitchSteps(s *step.Step, branchIdx int) []*step.Step {
	if branchIdx == step.Else {
		return s.Default.Steps
	}
	return s.Cases[branchIdx].Branch.Steps
}
