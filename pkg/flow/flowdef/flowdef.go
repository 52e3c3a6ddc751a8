// Package flowdef loads a flow.Config from a YAML document instead of
// a chain of Builder calls (spec.md §1/§9 Non-goals rule out a
// scripting/DSL parser, so this is sugar over the Builder, not an
// alternate execution path: every name in the document resolves to a
// Go closure registered ahead of time, the document itself never
// carries executable logic). Grounded on the teacher's
// pkg/schema/parser.go "parse a declarative shape into typed Go
// values" pattern and on gopkg.in/yaml.v3.
package flowdef

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nuulab/flowcore/pkg/flow"
	"github.com/nuulab/flowcore/pkg/step"
)

// Registry holds every named closure a Document is allowed to
// reference. Building a flow from YAML can never do more than select
// one of these by key — there is no expression evaluation.
type Registry struct {
	messages     map[string]step.MessageFactory
	predicates   map[string]step.Predicate
	selectors    map[string]step.Selector
	timeSelectors map[string]step.TimeSelector
	binders      map[string]step.ResultBinder
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		messages:      make(map[string]step.MessageFactory),
		predicates:    make(map[string]step.Predicate),
		selectors:     make(map[string]step.Selector),
		timeSelectors: make(map[string]step.TimeSelector),
		binders:       make(map[string]step.ResultBinder),
	}
}

func (r *Registry) Message(key string, fn step.MessageFactory) *Registry { r.messages[key] = fn; return r }
func (r *Registry) Predicate(key string, fn step.Predicate) *Registry    { r.predicates[key] = fn; return r }
func (r *Registry) Selector(key string, fn step.Selector) *Registry      { r.selectors[key] = fn; return r }
func (r *Registry) TimeSelector(key string, fn step.TimeSelector) *Registry {
	r.timeSelectors[key] = fn
	return r
}
func (r *Registry) Binder(key string, fn step.ResultBinder) *Registry { r.binders[key] = fn; return r }

// Document is the YAML shape of a flow definition.
type Document struct {
	Name  string     `yaml:"name"`
	Steps []StepSpec `yaml:"steps"`
}

// StepSpec is one entry in a Document's steps list. Kind selects
// which fields apply; unused fields are ignored.
type StepSpec struct {
	Kind string `yaml:"kind"` // send, send_result, query, publish, if, switch, foreach, when_all, when_any, delay, schedule_at

	Name string `yaml:"name"`

	Message string `yaml:"message,omitempty"` // registry key, for send/send_result/query/publish
	Into    string `yaml:"into,omitempty"`    // registry binder key
	Optional bool  `yaml:"optional,omitempty"`

	Condition string     `yaml:"condition,omitempty"` // predicate key, for if
	Then      []StepSpec `yaml:"then,omitempty"`
	ElseIfs   []struct {
		Condition string     `yaml:"condition"`
		Steps     []StepSpec `yaml:"steps"`
	} `yaml:"else_ifs,omitempty"`
	Else []StepSpec `yaml:"else,omitempty"`

	Selector string `yaml:"selector,omitempty"` // selector key, for switch
	Cases    []struct {
		Value string     `yaml:"value"`
		Steps []StepSpec `yaml:"steps"`
	} `yaml:"cases,omitempty"`
	Default []StepSpec `yaml:"default,omitempty"`

	Source      string     `yaml:"source,omitempty"` // selector key, for foreach
	ItemSteps   []StepSpec `yaml:"item_steps,omitempty"`
	Parallelism int        `yaml:"parallelism,omitempty"`

	Children []string `yaml:"children,omitempty"` // message keys, for when_all/when_any

	DurationSeconds int    `yaml:"duration_seconds,omitempty"` // for delay
	At              string `yaml:"at,omitempty"`               // time selector key, for schedule_at
}

// Parse decodes a YAML document into a Document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("flowdef: invalid document: %w", err)
	}
	return &doc, nil
}

// Build compiles doc against reg into a flow.Config.
func Build(doc *Document, reg *Registry) (*flow.Config, error) {
	b := flow.New(doc.Name)
	if err := compile(b, doc.Steps, reg); err != nil {
		return nil, err
	}
	return b.Build()
}

func compile(b *flow.Builder, specs []StepSpec, reg *Registry) error {
	for _, s := range specs {
		if err := compileOne(b, s, reg); err != nil {
			return err
		}
	}
	return nil
}

func compileOne(b *flow.Builder, s StepSpec, reg *Registry) error {
	switch s.Kind {
	case "send", "send_result", "query", "publish":
		return compileLeaf(b, s, reg)

	case "if":
		cond, err := lookupPredicate(reg, s.Condition)
		if err != nil {
			return err
		}
		b.If(s.Name, cond)
		if err := compile(b, s.Then, reg); err != nil {
			return err
		}
		for _, ei := range s.ElseIfs {
			econd, err := lookupPredicate(reg, ei.Condition)
			if err != nil {
				return err
			}
			b.ElseIf(econd)
			if err := compile(b, ei.Steps, reg); err != nil {
				return err
			}
		}
		if len(s.Else) > 0 {
			b.Else()
			if err := compile(b, s.Else, reg); err != nil {
				return err
			}
		}
		b.EndIf()
		return nil

	case "switch":
		sel, err := lookupSelector(reg, s.Selector)
		if err != nil {
			return err
		}
		b.Switch(s.Name, sel)
		for _, c := range s.Cases {
			b.Case(c.Value)
			if err := compile(b, c.Steps, reg); err != nil {
				return err
			}
		}
		if len(s.Default) > 0 {
			b.Default()
			if err := compile(b, s.Default, reg); err != nil {
				return err
			}
		}
		b.EndSwitch()
		return nil

	case "foreach":
		src, err := lookupSelector(reg, s.Source)
		if err != nil {
			return err
		}
		itemSteps := s.ItemSteps
		fb := b.ForEach(s.Name, src)
		if s.Parallelism > 0 {
			fb.WithParallelism(s.Parallelism)
		}
		fb.Configure(func(item any, index int, sub *flow.Builder) {
			_ = compile(sub, itemSteps, reg)
		})
		fb.EndForEach()
		return nil

	case "when_all", "when_any":
		factories := make([]step.MessageFactory, 0, len(s.Children))
		for _, key := range s.Children {
			fn, err := lookupMessage(reg, key)
			if err != nil {
				return err
			}
			factories = append(factories, fn)
		}
		if s.Kind == "when_all" {
			b.WhenAll(s.Name, factories...).Then()
		} else {
			b.WhenAny(s.Name, factories...).Then()
		}
		return nil

	case "delay":
		b.Delay(s.Name, time.Duration(s.DurationSeconds)*time.Second)
		return nil

	case "schedule_at":
		at, err := lookupTimeSelector(reg, s.At)
		if err != nil {
			return err
		}
		b.ScheduleAt(s.Name, at)
		return nil

	default:
		return fmt.Errorf("flowdef: step %q: unknown kind %q", s.Name, s.Kind)
	}
}

func compileLeaf(b *flow.Builder, s StepSpec, reg *Registry) error {
	msg, err := lookupMessage(reg, s.Message)
	if err != nil {
		return fmt.Errorf("flowdef: step %q: %w", s.Name, err)
	}

	var sb *flow.StepBuilder
	switch s.Kind {
	case "send":
		sb = b.Send(s.Name, msg)
	case "send_result":
		sb = b.SendResult(s.Name, msg)
	case "query":
		sb = b.Query(s.Name, msg)
	case "publish":
		sb = b.Publish(s.Name, msg)
	}

	if s.Into != "" {
		binder, err := lookupBinder(reg, s.Into)
		if err != nil {
			return err
		}
		sb.Into(binder)
	}
	if s.Optional {
		sb.Optional()
	}
	sb.Then()
	return nil
}

func lookupMessage(reg *Registry, key string) (step.MessageFactory, error) {
	fn, ok := reg.messages[key]
	if !ok {
		return nil, fmt.Errorf("flowdef: no message registered as %q", key)
	}
	return fn, nil
}

func lookupPredicate(reg *Registry, key string) (step.Predicate, error) {
	fn, ok := reg.predicates[key]
	if !ok {
		return nil, fmt.Errorf("flowdef: no predicate registered as %q", key)
	}
	return fn, nil
}

func lookupSelector(reg *Registry, key string) (step.Selector, error) {
	fn, ok := reg.selectors[key]
	if !ok {
		return nil, fmt.Errorf("flowdef: no selector registered as %q", key)
	}
	return fn, nil
}

func lookupTimeSelector(reg *Registry, key string) (step.TimeSelector, error) {
	fn, ok := reg.timeSelectors[key]
	if !ok {
		return nil, fmt.Errorf("flowdef: no time selector registered as %q", key)
	}
	return fn, nil
}

func lookupBinder(reg *Registry, key string) (step.ResultBinder, error) {
	fn, ok := reg.binders[key]
	if !ok {
		return nil, fmt.Errorf("flowdef: no result binder registered as %q", key)
	}
	return fn, nil
}

