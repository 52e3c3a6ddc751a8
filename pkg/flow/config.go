// Package flow provides the fluent flow builder: the only supported
// way to construct a step.Step tree (spec.md §4.1). The builder never
// executes anything; it only records a Config for pkg/dsl to walk.
package flow

import (
	"fmt"
	"time"

	"github.com/nuulab/flowcore/pkg/step"
)

// StepCompletedHook, FlowCompletedHook, FlowFailedHook mirror the
// step package's hook signatures at the flow level.
type (
	StepCompletedHook = step.StepCompletedHook
	FlowCompletedHook = step.FlowCompletedHook
	FlowFailedHook    = step.FlowFailedHook
)

// TagTimeout overrides the flow-level timeout for steps carrying a tag.
type TagTimeout struct {
	Tag     string
	Timeout time.Duration
}

// Config is the named, built-once container holding a flow's root step
// list and flow-level properties (spec.md §3 "Flow Config").
type Config struct {
	name         string
	timeout      time.Duration
	tagTimeouts  []TagTimeout
	retry        int
	persist      bool
	steps        []*step.Step

	onStepCompleted StepCompletedHook
	onFlowCompleted FlowCompletedHook
	onFlowFailed    FlowFailedHook

	built bool
}

// Name returns the flow's configured display name.
func (c *Config) Name() string { return c.name }

// Timeout returns the global default step timeout.
func (c *Config) Timeout() time.Duration { return c.timeout }

// TimeoutForTags resolves the effective timeout for a step carrying the
// given tags: the first matching per-tag override wins, declaration
// order, else the flow-level default.
func (c *Config) TimeoutForTags(tags map[string]struct{}) time.Duration {
	for _, tt := range c.tagTimeouts {
		if _, ok := tags[tt.Tag]; ok {
			return tt.Timeout
		}
	}
	return c.timeout
}

// Retry returns the flow-level retry count (spec.md §4.3 "Failure retries").
func (c *Config) Retry() int { return c.retry }

// Persist reports whether durable persistence was requested.
func (c *Config) Persist() bool { return c.persist }

// Steps returns the root step list. The slice must not be mutated by
// callers; it is shared across concurrent executions of this Config.
func (c *Config) Steps() []*step.Step { return c.steps }

// OnStepCompleted returns the configured hook, or nil.
func (c *Config) OnStepCompleted() StepCompletedHook { return c.onStepCompleted }

// OnFlowCompleted returns the configured hook, or nil.
func (c *Config) OnFlowCompleted() FlowCompletedHook { return c.onFlowCompleted }

// OnFlowFailed returns the configured hook, or nil.
func (c *Config) OnFlowFailed() FlowFailedHook { return c.onFlowFailed }

// StepAt resolves the step.Step living at a Position. It returns
// (nil, false) when the position walks off the end of a branch/root
// list — the caller interprets that as "flow complete" at the root
// level and "end of scope" at a nested level.
func (c *Config) StepAt(pos step.Position) (*step.Step, bool) {
	if len(pos) == 0 {
		return nil, false
	}
	list := c.steps
	var cur *step.Step

	for depth := 0; depth < len(pos); depth += 2 {
		idx := pos[depth]
		if idx < 0 || idx >= len(list) {
			return nil, false
		}
		cur = list[idx]

		if depth+1 >= len(pos) {
			return cur, true
		}

		branchIdx := pos[depth+1]
		branch, ok := branchFor(cur, branchIdx)
		if !ok {
			return nil, false
		}
		list = branch.Steps
	}

	return cur, cur != nil
}

// branchFor resolves the Branch a branch-index component refers to,
// per the encoding documented in pkg/step/position.go.
func branchFor(s *step.Step, branchIdx int) (step.Branch, bool) {
	switch s.Kind {
	case step.KindIf:
		if branchIdx == step.Else {
			if !s.HasElse {
				return step.Branch{}, false
			}
			return s.Else, true
		}
		if branchIdx == 0 {
			return s.Then, true
		}
		elifIdx := branchIdx - 1
		if elifIdx < 0 || elifIdx >= len(s.ElseIfs) {
			return step.Branch{}, false
		}
		return s.ElseIfs[elifIdx].Branch, true
	case step.KindSwitch:
		if branchIdx == step.Else {
			if !s.HasDefault {
				return step.Branch{}, false
			}
			return s.Default, true
		}
		if branchIdx < 0 || branchIdx >= len(s.Cases) {
			return step.Branch{}, false
		}
		return s.Cases[branchIdx].Branch, true
	case step.KindForEach:
		if branchIdx != 0 {
			return step.Branch{}, false
		}
		// ForEach bodies are built per-item at execution time; callers
		// that need the static body template use s.ItemBody directly.
		return step.Branch{}, false
	default:
		return step.Branch{}, false
	}
}

// NextSibling advances pos to the next step at the same nesting level.
// The result may point past the end of that scope; StepAt then reports
// false for it and the executor pops to the parent scope (see pkg/dsl).
func NextSibling(pos step.Position) step.Position {
	if len(pos) == 0 {
		return step.Position{1}
	}
	last := pos[len(pos)-1]
	return pos.WithStep(last + 1)
}

// EnterBranch returns the position of the first step inside the
// branch identified by branchIdx on the composite step currently at
// pos (spec.md §3 "Flow Position").
func EnterBranch(pos step.Position, branchIdx int) step.Position {
	return pos.Child(branchIdx).Child(0)
}

// PopToParent returns the position of the next sibling of the
// composite step that owns the scope pos is currently inside, and
// false if pos is already at the root scope (the flow is complete).
// Every descent via EnterBranch appends exactly two components
// (branch index, then child index), so popping one scope means
// dropping the last two components and advancing what remains.
func PopToParent(pos step.Position) (step.Position, bool) {
	if len(pos) <= 1 {
		return nil, false
	}
	parent := pos[:len(pos)-2].Clone()
	return NextSibling(parent), true
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("flow: %s", fmt.Sprintf(format, args...))
}
