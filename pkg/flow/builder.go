package flow

import (
	"fmt"
	"time"

	"github.com/nuulab/flowcore/pkg/step"
)

// frameKind identifies which structural block a stack frame belongs to.
type frameKind int

const (
	frameIf frameKind = iota
	frameSwitch
)

// frame tracks an open structural block (If/Switch) so the builder
// knows where subsequent leaf/structural calls append steps, and can
// retarget on ElseIf/Else/Case/Default before EndIf/EndSwitch pops it.
type frame struct {
	kind   frameKind
	node   *step.Step
	target *[]*step.Step
}

// Builder accumulates a step.Step tree (spec.md §4.1). It never
// executes; Build() just hands back the recorded Config. A Builder
// with cfg == nil is a "scratch" builder used to build a ForEach
// per-item body inline; it shares the same fluent surface.
type Builder struct {
	cfg   *Config
	root  *[]*step.Step
	stack []*frame
	errs  []error
}

// New starts building a named flow.
func New(name string) *Builder {
	cfg := &Config{name: name}
	return &Builder{cfg: cfg, root: &cfg.steps}
}

// newScratch creates a builder not attached to a Config, used inside
// ForEach item-body callbacks.
func newScratch() *Builder {
	steps := make([]*step.Step, 0, 4)
	return &Builder{root: &steps}
}

func (b *Builder) fail(format string, args ...any) {
	b.errs = append(b.errs, validationError(format, args...))
}

func (b *Builder) target() *[]*step.Step {
	if len(b.stack) > 0 {
		return b.stack[len(b.stack)-1].target
	}
	return b.root
}

func (b *Builder) append(s *step.Step) {
	*b.target() = append(*b.target(), s)
}

// ---- flow-level configuration ----

// Name sets the flow's display name, replacing the one given to New.
func (b *Builder) Name(name string) *Builder {
	b.cfg.name = name
	return b
}

// Timeout sets the flow-level default step timeout.
func (b *Builder) Timeout(d time.Duration) *TimeoutBuilder {
	b.cfg.timeout = d
	return &TimeoutBuilder{builder: b, duration: d}
}

// TimeoutBuilder supports Timeout(d).ForTags(...).
type TimeoutBuilder struct {
	builder  *Builder
	duration time.Duration
}

// ForTags scopes the preceding Timeout call to steps carrying any of
// the given tags, in addition to (not instead of) the flow default.
func (tb *TimeoutBuilder) ForTags(tags ...string) *Builder {
	for _, t := range tags {
		tb.builder.cfg.tagTimeouts = append(tb.builder.cfg.tagTimeouts, TagTimeout{Tag: t, Timeout: tb.duration})
	}
	return tb.builder
}

// Retry sets the flow-level retry count for non-optional step failures.
func (b *Builder) Retry(n int) *Builder {
	b.cfg.retry = n
	return b
}

// Persist marks the flow as requiring durable persistence between steps.
func (b *Builder) Persist() *Builder {
	b.cfg.persist = true
	return b
}

// OnStepCompleted registers the step-completion hook.
func (b *Builder) OnStepCompleted(fn StepCompletedHook) *Builder {
	b.cfg.onStepCompleted = fn
	return b
}

// OnFlowCompleted registers the flow-completion hook.
func (b *Builder) OnFlowCompleted(fn FlowCompletedHook) *Builder {
	b.cfg.onFlowCompleted = fn
	return b
}

// OnFlowFailed registers the flow-failure hook.
func (b *Builder) OnFlowFailed(fn FlowFailedHook) *Builder {
	b.cfg.onFlowFailed = fn
	return b
}

// ---- leaf steps: Send / Query / Publish ----

// Send appends a fire-and-forget command step.
func (b *Builder) Send(name string, msg step.MessageFactory) *StepBuilder {
	s := step.New(step.KindSend, name)
	s.Message = msg
	b.append(s)
	return &StepBuilder{builder: b, step: s}
}

// SendResult appends a command step whose mediator call yields a
// result (the "Send<TResult>" form). Build does not check that Into
// was set; without it the result is discarded.
func (b *Builder) SendResult(name string, msg step.MessageFactory) *StepBuilder {
	s := step.New(step.KindSend, name)
	s.Message = msg
	s.HasResult = true
	b.append(s)
	return &StepBuilder{builder: b, step: s}
}

// Query appends a read-only step whose mediator call yields a result.
func (b *Builder) Query(name string, msg step.MessageFactory) *StepBuilder {
	s := step.New(step.KindQuery, name)
	s.Message = msg
	s.HasResult = true
	b.append(s)
	return &StepBuilder{builder: b, step: s}
}

// Publish appends a fire-and-forget event step.
func (b *Builder) Publish(name string, msg step.MessageFactory) *StepBuilder {
	s := step.New(step.KindPublish, name)
	s.Message = msg
	b.append(s)
	return &StepBuilder{builder: b, step: s}
}

// StepBuilder configures a just-appended leaf step.
type StepBuilder struct {
	builder *Builder
	step    *step.Step
}

// Into registers the result binder; implies the step produces a result.
func (sb *StepBuilder) Into(binder step.ResultBinder) *StepBuilder {
	sb.step.Into = binder
	sb.step.HasResult = true
	return sb
}

// Optional marks the step as non-fatal on failure.
func (sb *StepBuilder) Optional() *StepBuilder {
	sb.step.Opts.Optional = true
	return sb
}

// OnlyWhen gates execution on a predicate over the current state.
func (sb *StepBuilder) OnlyWhen(pred step.Predicate) *StepBuilder {
	sb.step.Opts.OnlyWhen = pred
	return sb
}

// FailIf maps a successful mediator result to a logical failure when
// the predicate holds. Only meaningful on a step with a result.
func (sb *StepBuilder) FailIf(pred step.ResultPredicate, message ...string) *StepBuilder {
	sb.step.Opts.FailIf = pred
	if len(message) > 0 {
		sb.step.Opts.FailIfMessage = message[0]
	}
	if !sb.step.HasResult {
		sb.builder.fail("step %q: FailIf requires a result-producing step (Query/SendResult)", sb.step.Name)
	}
	return sb
}

// Tag attaches one or more tags used by per-tag timeout overrides and
// by OnStepCompleted bookkeeping.
func (sb *StepBuilder) Tag(names ...string) *StepBuilder {
	for _, n := range names {
		sb.step.Opts.AddTag(n)
	}
	return sb
}

// IfFail registers a compensating message factory, invoked in reverse
// execution order if the flow later fails.
func (sb *StepBuilder) IfFail(comp step.MessageFactory) *StepBuilder {
	sb.step.Compensation = comp
	return sb
}

// TimeoutOverride overrides the flow/tag timeout for this step alone.
func (sb *StepBuilder) TimeoutOverride(d time.Duration) *StepBuilder {
	sb.step.Opts.TimeoutOverride = d
	return sb
}

// RetryOverride overrides the flow-level retry count for this step.
func (sb *StepBuilder) RetryOverride(n int) *StepBuilder {
	sb.step.Opts.RetryOverride = n
	return sb
}

// ErrorMessage sets a human-readable message surfaced on step failure.
func (sb *StepBuilder) ErrorMessage(msg string) *StepBuilder {
	sb.step.Opts.ErrorMessage = msg
	return sb
}

// Then returns to the enclosing builder to continue the chain.
func (sb *StepBuilder) Then() *Builder { return sb.builder }

// ---- If / ElseIf / Else / EndIf ----

// If opens a conditional block; subsequent calls append to the
// then-branch until ElseIf or Else retargets them.
func (b *Builder) If(name string, cond step.Predicate) *Builder {
	s := step.New(step.KindIf, name)
	s.Condition = cond
	b.append(s)
	b.stack = append(b.stack, &frame{kind: frameIf, node: s, target: &s.Then.Steps})
	return b
}

// ElseIf adds an else-if branch to the innermost open If.
func (b *Builder) ElseIf(cond step.Predicate) *Builder {
	f := b.topFrame(frameIf, "ElseIf")
	if f == nil {
		return b
	}
	f.node.ElseIfs = append(f.node.ElseIfs, step.ElseIf{Condition: cond})
	f.target = &f.node.ElseIfs[len(f.node.ElseIfs)-1].Branch.Steps
	return b
}

// Else adds the else branch to the innermost open If.
func (b *Builder) Else() *Builder {
	f := b.topFrame(frameIf, "Else")
	if f == nil {
		return b
	}
	f.node.HasElse = true
	f.target = &f.node.Else.Steps
	return b
}

// EndIf closes the innermost open If block.
func (b *Builder) EndIf() *Builder {
	b.popFrame(frameIf, "EndIf")
	return b
}

func (b *Builder) topFrame(kind frameKind, caller string) *frame {
	if len(b.stack) == 0 || b.stack[len(b.stack)-1].kind != kind {
		b.fail("%s called with no matching open block", caller)
		return nil
	}
	return b.stack[len(b.stack)-1]
}

func (b *Builder) popFrame(kind frameKind, caller string) {
	if len(b.stack) == 0 || b.stack[len(b.stack)-1].kind != kind {
		b.fail("%s called with no matching open block", caller)
		return
	}
	b.stack = b.stack[:len(b.stack)-1]
}

// ---- Switch / Case / Default / EndSwitch ----

// Switch opens a switch block on the value produced by selector.
func (b *Builder) Switch(name string, selector step.Selector) *Builder {
	s := step.New(step.KindSwitch, name)
	s.Selector = selector
	b.append(s)
	b.stack = append(b.stack, &frame{kind: frameSwitch, node: s})
	return b
}

// Case opens a case branch for the given value. Duplicate values
// within one Switch are first-wins: later Case calls with the same
// value still open a branch (so builder calls never fail), but
// step.Step.BuildCaseIndex — invoked by Builder.Build — keeps only the
// first registration, matching spec.md §4.2's documented choice.
func (b *Builder) Case(value any) *Builder {
	f := b.topFrame(frameSwitch, "Case")
	if f == nil {
		return b
	}
	f.node.Cases = append(f.node.Cases, step.SwitchCase{Value: value})
	f.target = &f.node.Cases[len(f.node.Cases)-1].Branch.Steps
	return b
}

// Default opens the default branch of the innermost open Switch.
func (b *Builder) Default() *Builder {
	f := b.topFrame(frameSwitch, "Default")
	if f == nil {
		return b
	}
	f.node.HasDefault = true
	f.target = &f.node.Default.Steps
	return b
}

// EndSwitch closes the innermost open Switch block.
func (b *Builder) EndSwitch() *Builder {
	b.popFrame(frameSwitch, "EndSwitch")
	return b
}

// ---- ForEach ----

// ForEachBuilder configures a just-appended ForEach step.
type ForEachBuilder struct {
	builder *Builder
	step    *step.Step
}

// ForEach opens a ForEach step iterating the sequence source resolves.
func (b *Builder) ForEach(name string, source step.Selector) *ForEachBuilder {
	s := step.New(step.KindForEach, name)
	s.Source = source
	s.Parallelism = 1
	b.append(s)
	return &ForEachBuilder{builder: b, step: s}
}

// Configure registers the per-item body: fn is invoked once per item,
// at execution time (not build time), with a scratch Builder the
// caller uses to describe that item's steps.
func (fb *ForEachBuilder) Configure(fn func(item any, index int, sub *Builder)) *ForEachBuilder {
	fb.step.ItemBody = func(item any, index int) []*step.Step {
		sub := newScratch()
		fn(item, index, sub)
		return *sub.root
	}
	return fb
}

// WithParallelism bounds concurrent per-item body execution.
func (fb *ForEachBuilder) WithParallelism(n int) *ForEachBuilder {
	if n < 1 {
		n = 1
	}
	fb.step.Parallelism = n
	return fb
}

// WithBatchSize controls how many items are processed before progress
// is checkpointed to the store (a throughput knob, not a correctness
// one: progress is always correct per-item).
func (fb *ForEachBuilder) WithBatchSize(n int) *ForEachBuilder {
	fb.step.BatchSize = n
	return fb
}

// ContinueOnFailure keeps iterating past a failed item, recording it
// in the failed-indices set, instead of stopping the ForEach.
func (fb *ForEachBuilder) ContinueOnFailure() *ForEachBuilder {
	fb.step.ContinueOnFailure = true
	return fb
}

// StopOnFirstFailure is the default; it is provided so callers can
// name the choice explicitly and to undo a prior ContinueOnFailure.
func (fb *ForEachBuilder) StopOnFirstFailure() *ForEachBuilder {
	fb.step.ContinueOnFailure = false
	return fb
}

// OnItemSuccess fires after each item's body succeeds. Under
// parallelism>1 its invocations may interleave (spec.md §5); it must
// tolerate that.
func (fb *ForEachBuilder) OnItemSuccess(fn func(state any, item any, index int) any) *ForEachBuilder {
	fb.step.OnItemSuccess = fn
	return fb
}

// OnComplete fires once, after all items have been attempted.
func (fb *ForEachBuilder) OnComplete(fn func(state any) any) *ForEachBuilder {
	fb.step.OnForEachComplete = fn
	return fb
}

// EndForEach closes the ForEach configuration and returns the builder.
func (fb *ForEachBuilder) EndForEach() *Builder {
	if fb.step.ItemBody == nil {
		fb.builder.fail("ForEach %q: Configure must be called before EndForEach", fb.step.Name)
	}
	return fb.builder
}

// ---- WhenAll / WhenAny ----

// FanOutBuilder configures a just-appended WhenAll/WhenAny step.
type FanOutBuilder struct {
	builder *Builder
	step    *step.Step
}

// WhenAll dispatches every factory's message as a child and suspends
// until all children have reported completion (or the step times out).
func (b *Builder) WhenAll(name string, factories ...step.MessageFactory) *FanOutBuilder {
	s := step.New(step.KindWhenAll, name)
	s.Children = factories
	b.append(s)
	return &FanOutBuilder{builder: b, step: s}
}

// WhenAny dispatches every factory's message as a child and suspends
// until the first child reports completion.
func (b *Builder) WhenAny(name string, factories ...step.MessageFactory) *FanOutBuilder {
	s := step.New(step.KindWhenAny, name)
	s.Children = factories
	b.append(s)
	return &FanOutBuilder{builder: b, step: s}
}

// IfAnyFail registers the compensation run if any WhenAll child fails.
func (fob *FanOutBuilder) IfAnyFail(comp step.MessageFactory) *FanOutBuilder {
	fob.step.AggregateComp = comp
	return fob
}

// Into binds a WhenAny's winning result into state.
func (fob *FanOutBuilder) Into(binder step.ResultBinder) *FanOutBuilder {
	fob.step.WhenAnyInto = binder
	fob.step.HasResult = true
	return fob
}

// Timeout bounds how long the wait condition may remain unsatisfied.
func (fob *FanOutBuilder) Timeout(d time.Duration) *FanOutBuilder {
	fob.step.AggregateTimeout = d
	return fob
}

// Tag attaches tags to the fan-out step.
func (fob *FanOutBuilder) Tag(names ...string) *FanOutBuilder {
	for _, n := range names {
		fob.step.Opts.AddTag(n)
	}
	return fob
}

// Then returns to the enclosing builder.
func (fob *FanOutBuilder) Then() *Builder { return fob.builder }

// ---- Delay / ScheduleAt ----

// Delay appends a step that suspends the flow for a fixed duration.
func (b *Builder) Delay(name string, d time.Duration) *Builder {
	s := step.New(step.KindDelay, name)
	s.Duration = d
	b.append(s)
	return b
}

// ScheduleAt appends a step that suspends the flow until the time the
// selector computes from the current state.
func (b *Builder) ScheduleAt(name string, at step.TimeSelector) *Builder {
	s := step.New(step.KindScheduleAt, name)
	s.At = at
	b.append(s)
	return b
}

// ---- Build ----

// Build returns the accumulated Config. It is idempotent: calling it
// repeatedly after the first call is a no-op that returns the same
// Config, and does not re-run validation or mutate state further.
func (b *Builder) Build() (*Config, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("flow: Build called on a scratch builder")
	}
	if b.cfg.built {
		return b.cfg, nil
	}

	if len(b.stack) > 0 {
		b.fail("flow %q: %d structural block(s) left open at Build", b.cfg.name, len(b.stack))
	}

	if err := validate(b.cfg.steps); err != nil {
		b.errs = append(b.errs, err)
	}

	if len(b.errs) > 0 {
		return nil, combineErrors(b.errs)
	}

	buildCaseIndexes(b.cfg.steps)
	b.cfg.built = true
	return b.cfg, nil
}

// MustBuild is Build without the error return, for callers (tests,
// package-level flow registration) that treat a validation failure as
// a programming error.
func (b *Builder) MustBuild() *Config {
	cfg, err := b.Build()
	if err != nil {
		panic(err)
	}
	return cfg
}

func buildCaseIndexes(steps []*step.Step) {
	for _, s := range steps {
		s.BuildCaseIndex()
		buildCaseIndexes(s.Then.Steps)
		for _, ei := range s.ElseIfs {
			buildCaseIndexes(ei.Branch.Steps)
		}
		buildCaseIndexes(s.Else.Steps)
		for _, c := range s.Cases {
			buildCaseIndexes(c.Branch.Steps)
		}
		buildCaseIndexes(s.Default.Steps)
	}
}

func combineErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msg := fmt.Sprintf("flow: %d validation errors:", len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
