package step_test

import (
	"testing"

	"github.com/nuulab/flowcore/pkg/step"
)

func TestPositionStringRoundTrip(t *testing.T) {
	cases := []step.Position{
		step.Root(),
		{2},
		{2, 0},
		{2, step.Else},
		{2, 0, 1},
	}

	for _, pos := range cases {
		s := pos.String()
		parsed, err := step.ParsePosition(s)
		if err != nil {
			t.Fatalf("ParsePosition(%q): %v", s, err)
		}
		if !parsed.Equal(pos) {
			t.Errorf("round trip mismatch: %v -> %q -> %v", pos, s, parsed)
		}
	}
}

func TestPositionChildAndParent(t *testing.T) {
	root := step.Root()
	child := root.Child(0)
	if child.String() != "0.0" {
		t.Errorf("expected 0.0, got %s", child.String())
	}

	parent, ok := child.Parent()
	if !ok {
		t.Fatal("expected parent")
	}
	if !parent.Equal(root) {
		t.Errorf("expected parent to equal root, got %v", parent)
	}

	_, ok = root.Parent()
	if ok {
		t.Error("root should have no parent")
	}
}

func TestPositionWithStep(t *testing.T) {
	pos := step.Position{3, 0}
	next := pos.WithStep(1)
	if next.String() != "3.1" {
		t.Errorf("expected 3.1, got %s", next.String())
	}
	if pos.String() != "3.0" {
		t.Error("WithStep mutated the receiver")
	}
}

func TestCaseForFirstWins(t *testing.T) {
	s := step.New(step.KindSwitch, "route")
	s.Cases = []step.SwitchCase{
		{Value: "credit", Branch: step.Branch{}},
		{Value: "credit", Branch: step.Branch{Steps: []*step.Step{step.New(step.KindSend, "dup")}}},
	}
	s.BuildCaseIndex()

	idx, ok := s.CaseFor("credit")
	if !ok || idx != 0 {
		t.Fatalf("expected first-wins to select index 0, got %d, %v", idx, ok)
	}

	_, ok = s.CaseFor("bitcoin")
	if ok {
		t.Error("unexpected match for unregistered case")
	}
}
