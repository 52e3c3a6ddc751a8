package flow_test

import (
	"testing"
	"time"

	"github.com/nuulab/flowcore/pkg/flow"
	"github.com/nuulab/flowcore/pkg/step"
)

func TestBuildSimpleIfElse(t *testing.T) {
	cfg, err := flow.New("order-flow").
		Timeout(30*time.Second).ForTags("payment").
		Retry(2).
		Persist().
		Send("reserve-inventory", func(state any) any { return "reserve" }).Into(func(state, result any) any { return state }).Then().
		If("has-discount", func(state any) bool { return true }).
		Send("apply-discount", func(state any) any { return "discount" }).Then().
		Else().
		Send("charge-full-price", func(state any) any { return "charge" }).Then().
		EndIf().
		Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if cfg.Name() != "order-flow" {
		t.Errorf("expected name order-flow, got %s", cfg.Name())
	}
	if cfg.Retry() != 2 {
		t.Errorf("expected retry 2, got %d", cfg.Retry())
	}
	if !cfg.Persist() {
		t.Error("expected persist true")
	}
	if len(cfg.Steps()) != 2 {
		t.Fatalf("expected 2 root steps, got %d", len(cfg.Steps()))
	}
	ifStep := cfg.Steps()[1]
	if ifStep.Kind != step.KindIf {
		t.Fatalf("expected second step to be If, got %s", ifStep.Kind)
	}
	if len(ifStep.Then.Steps) != 1 || len(ifStep.Else.Steps) != 1 {
		t.Errorf("expected one step in each branch, got then=%d else=%d", len(ifStep.Then.Steps), len(ifStep.Else.Steps))
	}
}

func TestBuildSwitchWithDefault(t *testing.T) {
	cfg, err := flow.New("payment-flow").
		Switch("route", func(state any) any { return "credit" }).
		Case("credit").
		Send("charge-credit", func(state any) any { return nil }).Then().
		Case("debit").
		Send("charge-debit", func(state any) any { return nil }).Then().
		Default().
		Send("charge-fallback", func(state any) any { return nil }).Then().
		EndSwitch().
		Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	sw := cfg.Steps()[0]
	if len(sw.Cases) != 2 || !sw.HasDefault {
		t.Fatalf("expected 2 cases and a default, got %d cases, hasDefault=%v", len(sw.Cases), sw.HasDefault)
	}
	idx, ok := sw.CaseFor("debit")
	if !ok || idx != 1 {
		t.Errorf("expected debit to resolve to case index 1, got %d, %v", idx, ok)
	}
}

func TestBuildForEachWithConfigure(t *testing.T) {
	cfg, err := flow.New("batch-flow").
		ForEach("process-items", func(state any) any { return []int{1, 2, 3} }).
		Configure(func(item any, index int, sub *flow.Builder) {
			sub.Send("process-item", func(state any) any { return item })
		}).
		WithParallelism(4).
		ContinueOnFailure().
		EndForEach().
		Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	fe := cfg.Steps()[0]
	if fe.Parallelism != 4 || !fe.ContinueOnFailure {
		t.Errorf("expected parallelism=4 continueOnFailure=true, got %d %v", fe.Parallelism, fe.ContinueOnFailure)
	}
	body := fe.ItemBody(7, 0)
	if len(body) != 1 {
		t.Fatalf("expected item body to produce 1 step, got %d", len(body))
	}
}

func TestBuildRejectsUnclosedIf(t *testing.T) {
	_, err := flow.New("broken").
		If("cond", func(state any) bool { return true }).
		Send("noop", func(state any) any { return nil }).Then().
		Build()
	if err == nil {
		t.Fatal("expected an error for an unclosed If block")
	}
}

func TestBuildRejectsSwitchWithNoCases(t *testing.T) {
	_, err := flow.New("broken").
		Switch("route", func(state any) any { return "x" }).
		EndSwitch().
		Build()
	if err == nil {
		t.Fatal("expected an error for a Switch with no cases and no default")
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	b := flow.New("idempotent").Send("noop", func(state any) any { return nil }).Then()
	cfg1, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg2, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error on second Build: %v", err)
	}
	if cfg1 != cfg2 {
		t.Error("expected Build to be idempotent and return the same Config")
	}
}
