package step

import "time"

// Kind identifies the tag of a tree-shaped IR node. The executor
// dispatches on Kind with a flat switch; adding a kind touches one
// site (the switch in pkg/dsl) rather than a new type in a class
// hierarchy.
type Kind string

const (
	KindSend          Kind = "send"
	KindQuery         Kind = "query"
	KindPublish       Kind = "publish"
	KindIf            Kind = "if"
	KindSwitch        Kind = "switch"
	KindForEach       Kind = "foreach"
	KindWhenAll       Kind = "when_all"
	KindWhenAny       Kind = "when_any"
	KindDelay         Kind = "delay"
	KindScheduleAt    Kind = "schedule_at"
	KindCompensation  Kind = "compensation"
)

// MessageFactory builds an outbound message from the current user
// state. It is a pure function: no side effects, no I/O.
type MessageFactory func(state any) any

// ResultBinder writes a mediator result back into user state, pure
// save for the mutation of state it is handed (the "Into" operation).
type ResultBinder func(state any, result any) any

// Predicate gates step execution ("onlyWhen") or picks a branch.
type Predicate func(state any) bool

// ResultPredicate gates on a step's result ("failIf").
type ResultPredicate func(result any) bool

// Selector produces a value used to pick a Switch case or a ForEach
// source sequence, from the current state.
type Selector func(state any) any

// TimeSelector computes an absolute time from state, for ScheduleAt.
type TimeSelector func(state any) time.Time

// ItemBodyBuilder builds the sub-tree executed once per ForEach item.
// It receives the item value and the 0-based index and returns the
// steps that form the per-item body.
type ItemBodyBuilder func(item any, index int) []*Step

// StepCompletedHook fires after any step completes successfully; it
// may produce a flow-scoped event to publish via the mediator.
type StepCompletedHook func(state any, index int) any

// FlowCompletedHook fires once, when a flow reaches Completed.
type FlowCompletedHook func(state any) any

// FlowFailedHook fires once, when a flow reaches Failed.
type FlowFailedHook func(state any, err error) any

// Options holds the per-step configuration the builder accumulates:
// optional/onlyWhen/failIf/tags/overrides, per spec.md §3.
type Options struct {
	Optional          bool
	OnlyWhen          Predicate
	FailIf            ResultPredicate
	FailIfMessage     string
	Tags              map[string]struct{}
	TimeoutOverride   time.Duration
	RetryOverride     int
	ErrorMessage      string
}

// HasTag reports whether the given tag was attached to the step.
func (o *Options) HasTag(tag string) bool {
	if o == nil || o.Tags == nil {
		return false
	}
	_, ok := o.Tags[tag]
	return ok
}

// AddTag records a tag on the step (first-class, not a map literal, so
// the builder can call it repeatedly without clobbering prior tags).
func (o *Options) AddTag(tag string) {
	if o.Tags == nil {
		o.Tags = make(map[string]struct{})
	}
	o.Tags[tag] = struct{}{}
}

// Branch is an ordered list of child steps executed as a unit — the
// then-branch of an If, an else-if branch, the else-branch, a Switch
// case, a ForEach or WhenAll/WhenAny body.
type Branch struct {
	Steps []*Step
}

// ElseIf pairs a condition with the branch to run when it is the first
// matching elif in declaration order.
type ElseIf struct {
	Condition Predicate
	Branch    Branch
}

// SwitchCase pairs a selector value with the branch to run on a match.
// Duplicate keys are first-wins: every case stays in Cases, but
// BuildCaseIndex maps each key to its first registration only, so
// later cases with the same key are never selected (see DESIGN.md for
// why first-wins was chosen over a build-time rejection).
type SwitchCase struct {
	Value  any
	Branch Branch
}

// Step is a single tagged-variant node in the flow tree. Only the
// fields relevant to Kind are populated; the rest are zero. This
// mirrors a discriminated union without reflection-invoked closures:
// every callback is a concrete Go function value with the signature
// named in spec.md §4 (Design Notes).
type Step struct {
	Name string
	Kind Kind
	Opts Options

	// Leaf kinds: Send, Query, Publish.
	Message      MessageFactory
	Into         ResultBinder
	HasResult    bool

	// Compensation: optional sibling factory producing a compensating
	// message if this step must later be rolled back.
	Compensation MessageFactory

	// If.
	Condition  Predicate
	Then       Branch
	ElseIfs    []ElseIf
	Else       Branch
	HasElse    bool

	// Switch.
	Selector   Selector
	Cases      []SwitchCase
	caseIndex  map[any]int // first-wins lookup, built at Build()
	Default    Branch
	HasDefault bool

	// ForEach.
	Source              Selector
	ItemBody             ItemBodyBuilder
	Parallelism          int
	BatchSize            int
	ContinueOnFailure    bool
	OnItemSuccess        func(state any, item any, index int) any
	OnForEachComplete    func(state any) any

	// WhenAll / WhenAny.
	Children         []MessageFactory
	AggregateTimeout time.Duration
	AggregateComp    MessageFactory
	WhenAnyInto      ResultBinder

	// Delay / ScheduleAt.
	Duration time.Duration
	At       TimeSelector
}

// New constructs a bare step of the given kind and name. Callers in
// pkg/flow populate the kind-specific fields before appending it to a
// branch or the root step list.
func New(kind Kind, name string) *Step {
	return &Step{Name: name, Kind: kind}
}

// BuildCaseIndex populates the O(1) case lookup map from Cases,
// honoring first-wins on duplicate keys. Called by Builder.Build in
// pkg/flow.
func (s *Step) BuildCaseIndex() {
	if s.Kind != KindSwitch {
		return
	}
	s.caseIndex = make(map[any]int, len(s.Cases))
	for i, c := range s.Cases {
		if _, exists := s.caseIndex[c.Value]; exists {
			continue // first wins
		}
		s.caseIndex[c.Value] = i
	}
}

// CaseFor returns the case index for a selector value, and ok=false
// if no case matches; the default branch is not considered here.
func (s *Step) CaseFor(value any) (int, bool) {
	if s.caseIndex == nil {
		s.BuildCaseIndex()
	}
	i, ok := s.caseIndex[value]
	return i, ok
}
