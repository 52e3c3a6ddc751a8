package wait_test

import (
	"context"
	"testing"
	"time"

	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
	"github.com/nuulab/flowcore/pkg/store/memstore"
	"github.com/nuulab/flowcore/pkg/wait"
)

type captureResumer struct {
	calls []string
}

func (c *captureResumer) ResumeWait(ctx context.Context, corrID string, w *store.WaitCondition) error {
	c.calls = append(c.calls, corrID)
	return nil
}

func TestSignalAllSatisfiesOnceBothChildrenReport(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	coord := wait.New(s)
	resumer := &captureResumer{}
	coord.SetResumer(resumer)

	corrID, err := coord.Register(ctx, "parent-1", step.Position{2}, store.WaitAll, []string{"c1", "c2"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, satisfied, err := coord.Signal(ctx, corrID, "c1", true, "", nil)
	if err != nil {
		t.Fatalf("Signal c1: %v", err)
	}
	if satisfied {
		t.Fatal("should not be satisfied after only one of two children")
	}

	_, satisfied, err = coord.Signal(ctx, corrID, "c2", true, "", nil)
	if err != nil {
		t.Fatalf("Signal c2: %v", err)
	}
	if !satisfied {
		t.Fatal("expected satisfaction after both children report")
	}
	if len(resumer.calls) != 1 {
		t.Fatalf("expected exactly one resume call, got %d", len(resumer.calls))
	}
}

func TestSignalAnySatisfiesOnFirstChild(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	coord := wait.New(s)

	corrID, _ := coord.Register(ctx, "parent-1", step.Root(), store.WaitAny, []string{"c1", "c2"}, time.Now().Add(time.Hour))
	_, satisfied, err := coord.Signal(ctx, corrID, "c1", true, "", "winner")
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if !satisfied {
		t.Fatal("expected WaitAny to be satisfied on the first child")
	}
}

func TestSignalDuplicateChildIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	coord := wait.New(s)

	corrID, _ := coord.Register(ctx, "parent-1", step.Root(), store.WaitAll, []string{"c1", "c2"}, time.Now().Add(time.Hour))
	coord.Signal(ctx, corrID, "c1", true, "", nil)
	w, _, err := coord.Signal(ctx, corrID, "c1", true, "", nil)
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if w.Completed != 1 {
		t.Fatalf("expected completed=1 after duplicate signal, got %d", w.Completed)
	}
}

func TestTimeoutScanMarksMissingChildrenAndResumesOnce(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	coord := wait.New(s)
	resumer := &captureResumer{}
	coord.SetResumer(resumer)

	corrID, _ := coord.Register(ctx, "parent-1", step.Root(), store.WaitAll, []string{"c1", "c2"}, time.Now().Add(-time.Minute))
	scanner := wait.NewScanner(coord, time.Hour)

	if err := scanner.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	w, err := coord.Get(ctx, corrID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !w.Satisfied() || w.Completed != 2 {
		t.Fatalf("expected a timed-out wait to read as fully satisfied, got %+v", w)
	}
	for _, r := range w.Results {
		if r.Error != "timed out" {
			t.Errorf("expected synthetic timed-out failures, got %+v", r)
		}
	}

	// Second tick must not re-fire the resumer: the wait is now
	// satisfied, so GetTimedOutWaitConditions excludes it.
	if err := scanner.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(resumer.calls) != 1 {
		t.Fatalf("expected exactly one resume call across both ticks, got %d", len(resumer.calls))
	}
}
