package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuulab/flowcore/pkg/step"
	"github.com/nuulab/flowcore/pkg/store"
	"github.com/nuulab/flowcore/pkg/store/memstore"
	"github.com/nuulab/flowcore/pkg/store/redisstore"
)

// backends returns every SnapshotStore implementation under parity
// test. memstore always runs; redisstore only runs when REDIS_ADDR is
// set and reachable, mirroring the teacher's dial-and-skip pattern for
// its own Redis-backed test suites.
func backends(t *testing.T) map[string]store.SnapshotStore {
	t.Helper()
	out := map[string]store.SnapshotStore{"memstore": memstore.New()}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return out
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Logf("REDIS_ADDR set but unreachable (%v); skipping redisstore parity", err)
		return out
	}
	out["redisstore"] = redisstore.New(client, "flowcore-parity-test:")
	return out
}

func TestParityCreateGetUpdateDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "parity-cgud-" + name

			ok, err := s.Create(ctx, &store.Snapshot{FlowID: id, State: map[string]any{"n": float64(1)}, Status: store.StatusRunning, Position: step.Root()})
			if err != nil || !ok {
				t.Fatalf("Create: ok=%v err=%v", ok, err)
			}
			ok, err = s.Create(ctx, &store.Snapshot{FlowID: id, Status: store.StatusRunning})
			if err != nil || ok {
				t.Fatalf("second Create should conflict: ok=%v err=%v", ok, err)
			}

			got, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Version != 1 {
				t.Fatalf("expected version 1, got %d", got.Version)
			}

			got.Status = store.StatusCompleted
			ok, err = s.Update(ctx, got)
			if err != nil || !ok {
				t.Fatalf("Update: ok=%v err=%v", ok, err)
			}

			stale := &store.Snapshot{FlowID: id, Status: store.StatusFailed, Version: 1}
			ok, err = s.Update(ctx, stale)
			if err != nil && err != store.ErrConflict {
				t.Fatalf("stale Update returned unexpected error: %v", err)
			}
			if ok {
				t.Fatal("expected stale Update to be rejected")
			}

			existed, err := s.Delete(ctx, id)
			if err != nil || !existed {
				t.Fatalf("Delete: existed=%v err=%v", existed, err)
			}
			existed, err = s.Delete(ctx, id)
			if err != nil || existed {
				t.Fatalf("second Delete should report false: existed=%v err=%v", existed, err)
			}

			if _, err := s.Get(ctx, id); err != store.ErrNotFound {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestParityWaitConditionLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			corr := "parity-wait-" + name

			err := s.SetWaitCondition(ctx, corr, &store.WaitCondition{
				CorrelationID: corr, Kind: store.WaitAll, Expected: 2,
				ChildIDs: []string{"c1", "c2"}, Timeout: time.Now().Add(time.Hour),
			})
			if err != nil {
				t.Fatalf("SetWaitCondition: %v", err)
			}

			appendResult := func(childID string) *store.WaitCondition {
				w, err := s.UpdateWaitCondition(ctx, corr, func(w *store.WaitCondition) error {
					for _, r := range w.Results {
						if r.ChildID == childID {
							return nil
						}
					}
					w.Results = append(w.Results, store.ChildResult{ChildID: childID, Success: true})
					w.Completed++
					return nil
				})
				if err != nil {
					t.Fatalf("UpdateWaitCondition: %v", err)
				}
				return w
			}

			appendResult("c1")
			w := appendResult("c1") // duplicate must not double-count
			if w.Completed != 1 {
				t.Fatalf("expected completed=1 after duplicate signal, got %d", w.Completed)
			}
			w = appendResult("c2")
			if w.Completed != 2 || !w.Satisfied() {
				t.Fatalf("expected satisfied WaitAll after both children, got completed=%d satisfied=%v", w.Completed, w.Satisfied())
			}

			if err := s.ClearWaitCondition(ctx, corr); err != nil {
				t.Fatalf("ClearWaitCondition: %v", err)
			}
			if _, err := s.GetWaitCondition(ctx, corr); err != store.ErrNotFound {
				t.Fatalf("expected ErrNotFound after clear, got %v", err)
			}
		})
	}
}

func TestParityTimedOutWaitConditions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			corr := "parity-timeout-" + name

			s.SetWaitCondition(ctx, corr, &store.WaitCondition{
				CorrelationID: corr, Kind: store.WaitAny, Expected: 1,
				Timeout: time.Now().Add(-time.Minute),
			})

			timedOut, err := s.GetTimedOutWaitConditions(ctx, time.Now())
			if err != nil {
				t.Fatalf("GetTimedOutWaitConditions: %v", err)
			}
			found := false
			for _, w := range timedOut {
				if w.CorrelationID == corr {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s among timed-out waits, got %d results", corr, len(timedOut))
			}
			s.ClearWaitCondition(ctx, corr)
		})
	}
}

func TestParityForEachProgress(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			flowID, path := "parity-foreach-"+name, "0.0"

			p := store.NewForEachProgress(flowID, path, 5)
			p.Completed[0] = struct{}{}
			p.Completed[1] = struct{}{}
			p.CurrentIndex = 2

			if err := s.SaveForEachProgress(ctx, flowID, path, p); err != nil {
				t.Fatalf("SaveForEachProgress: %v", err)
			}
			got, err := s.GetForEachProgress(ctx, flowID, path)
			if err != nil {
				t.Fatalf("GetForEachProgress: %v", err)
			}
			if got.CurrentIndex != 2 || len(got.Completed) != 2 {
				t.Fatalf("unexpected progress round trip: %+v", got)
			}
			if err := s.ClearForEachProgress(ctx, flowID, path); err != nil {
				t.Fatalf("ClearForEachProgress: %v", err)
			}
			if _, err := s.GetForEachProgress(ctx, flowID, path); err != store.ErrNotFound {
				t.Fatalf("expected ErrNotFound after clear, got %v", err)
			}
		})
	}
}

func TestParityDistributedClaim(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "parity-claim-" + name

			ok, err := s.CreateSimple(ctx, &store.SimpleState{ID: id, Type: "order", Status: store.SimpleRunning, Owner: "node-a", HeartbeatAt: time.Now().UnixMilli()})
			if err != nil || !ok {
				t.Fatalf("CreateSimple: ok=%v err=%v", ok, err)
			}

			// Owner's heartbeat is fresh: claim must be rejected.
			_, claimed, err := s.TryClaim(ctx, "order", id, "node-b", 60_000)
			if err != nil {
				t.Fatalf("TryClaim (fresh owner): %v", err)
			}
			if claimed {
				t.Fatal("expected claim to be rejected against a fresh heartbeat")
			}

			// Simulate a stale heartbeat far in the past.
			got, _ := s.GetSimple(ctx, id)
			got.HeartbeatAt = time.Now().Add(-time.Hour).UnixMilli()
			s.UpdateSimple(ctx, got)

			claimedState, claimed, err := s.TryClaim(ctx, "order", id, "node-b", 60_000)
			if err != nil {
				t.Fatalf("TryClaim (stale owner): %v", err)
			}
			if !claimed || claimedState.Owner != "node-b" {
				t.Fatalf("expected node-b to claim a stale flow, got claimed=%v state=%+v", claimed, claimedState)
			}

			ok, err = s.Heartbeat(ctx, id, "node-b", claimedState.Version)
			if err != nil || !ok {
				t.Fatalf("Heartbeat: ok=%v err=%v", ok, err)
			}
		})
	}
}
