package flow

import (
	"fmt"

	"github.com/nuulab/flowcore/pkg/step"
)

// validate walks the full step tree looking for structural mistakes
// that the fluent builder cannot catch step-by-step (a missing
// Message factory, an empty Switch, etc.) and returns a single
// combined error describing every problem found, or nil.
func validate(steps []*step.Step) error {
	var errs []error
	walkValidate(steps, &errs)
	if len(errs) == 0 {
		return nil
	}
	return combineErrors(errs)
}

func walkValidate(steps []*step.Step, errs *[]error) {
	for _, s := range steps {
		validateStep(s, errs)
	}
}

func validateStep(s *step.Step, errs *[]error) {
	switch s.Kind {
	case step.KindSend, step.KindQuery, step.KindPublish:
		if s.Message == nil {
			*errs = append(*errs, fmt.Errorf("step %q: missing message factory", s.Name))
		}
		if s.Opts.FailIf != nil && !s.HasResult {
			*errs = append(*errs, fmt.Errorf("step %q: FailIf requires a result-producing step", s.Name))
		}

	case step.KindIf:
		if s.Condition == nil {
			*errs = append(*errs, fmt.Errorf("step %q: If missing a condition", s.Name))
		}
		for i, ei := range s.ElseIfs {
			if ei.Condition == nil {
				*errs = append(*errs, fmt.Errorf("step %q: ElseIf #%d missing a condition", s.Name, i))
			}
			walkValidate(ei.Branch.Steps, errs)
		}
		walkValidate(s.Then.Steps, errs)
		walkValidate(s.Else.Steps, errs)

	case step.KindSwitch:
		if s.Selector == nil {
			*errs = append(*errs, fmt.Errorf("step %q: Switch missing a selector", s.Name))
		}
		if len(s.Cases) == 0 && !s.HasDefault {
			*errs = append(*errs, fmt.Errorf("step %q: Switch has no Case and no Default", s.Name))
		}
		for _, c := range s.Cases {
			walkValidate(c.Branch.Steps, errs)
		}
		walkValidate(s.Default.Steps, errs)

	case step.KindForEach:
		if s.Source == nil {
			*errs = append(*errs, fmt.Errorf("step %q: ForEach missing a source selector", s.Name))
		}
		if s.ItemBody == nil {
			*errs = append(*errs, fmt.Errorf("step %q: ForEach missing Configure(...)", s.Name))
		}
		if s.Parallelism < 1 {
			*errs = append(*errs, fmt.Errorf("step %q: ForEach parallelism must be >= 1", s.Name))
		}
		// The per-item body is built dynamically at execution time from
		// real items, so it cannot be walked here.

	case step.KindWhenAll, step.KindWhenAny:
		if len(s.Children) == 0 {
			*errs = append(*errs, fmt.Errorf("step %q: %s has no children", s.Name, s.Kind))
		}
		if s.Kind == step.KindWhenAll && s.WhenAnyInto != nil {
			*errs = append(*errs, fmt.Errorf("step %q: Into is only valid on WhenAny", s.Name))
		}

	case step.KindDelay:
		if s.Duration <= 0 {
			*errs = append(*errs, fmt.Errorf("step %q: Delay duration must be positive", s.Name))
		}

	case step.KindScheduleAt:
		if s.At == nil {
			*errs = append(*errs, fmt.Errorf("step %q: ScheduleAt missing a time selector", s.Name))
		}
	}
}
