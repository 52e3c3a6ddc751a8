package simpleflow_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/flowcore/pkg/simpleflow"
	"github.com/nuulab/flowcore/pkg/store"
	"github.com/nuulab/flowcore/pkg/store/memstore"
)

func upper(ctx context.Context, data []byte) ([]byte, error) {
	return bytes.ToUpper(data), nil
}

func TestExecuteRunsAllStepsToCompletion(t *testing.T) {
	f := simpleflow.New("greeting",
		simpleflow.Step{Name: "upper", Run: upper},
		simpleflow.Step{Name: "exclaim", Run: func(ctx context.Context, data []byte) ([]byte, error) {
			return append(data, '!'), nil
		}},
	)
	st := memstore.New()
	exec := simpleflow.NewExecutor(f, st, "node-1")

	_, err := exec.Submit(context.Background(), "flow-1", []byte("hi"))
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), "flow-1")
	require.NoError(t, err)
	assert.Equal(t, store.SimpleDone, result.Status)
	assert.Equal(t, "HI!", string(result.Data))
}

func TestExecuteFailureRunsCompensationInReverseOrder(t *testing.T) {
	var compensated []string

	f := simpleflow.New("pipeline",
		simpleflow.Step{
			Name: "reserve",
			Run:  upper,
			Compensate: func(ctx context.Context, data []byte) error {
				compensated = append(compensated, "unreserve")
				return nil
			},
		},
		simpleflow.Step{
			Name: "charge",
			Run: func(ctx context.Context, data []byte) ([]byte, error) {
				return nil, errors.New("card declined")
			},
		},
	)
	st := memstore.New()
	exec := simpleflow.NewExecutor(f, st, "node-1")

	_, err := exec.Submit(context.Background(), "flow-2", []byte("hi"))
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), "flow-2")
	require.NoError(t, err)
	assert.Equal(t, store.SimpleFailed, result.Status)
	assert.Equal(t, []string{"unreserve"}, compensated)
}

func TestExecuteIsIdempotentOnceTerminal(t *testing.T) {
	f := simpleflow.New("greeting", simpleflow.Step{Name: "upper", Run: upper})
	st := memstore.New()
	exec := simpleflow.NewExecutor(f, st, "node-1")

	_, err := exec.Submit(context.Background(), "flow-3", []byte("hi"))
	require.NoError(t, err)
	first, err := exec.Execute(context.Background(), "flow-3")
	require.NoError(t, err)

	second, err := exec.Execute(context.Background(), "flow-3")
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.Version, second.Version)
}

func TestExecuteRejectsClaimHeldByLiveOwner(t *testing.T) {
	f := simpleflow.New("slow", simpleflow.Step{
		Name: "block",
		Run: func(ctx context.Context, data []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	st := memstore.New()

	owner := simpleflow.NewExecutor(f, st, "owner-node").WithClaimTimeout(time.Hour)
	_, err := owner.Submit(context.Background(), "flow-4", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go owner.Execute(ctx, "flow-4")
	time.Sleep(5 * time.Millisecond)

	rival := simpleflow.NewExecutor(f, st, "rival-node").WithClaimTimeout(time.Hour)
	_, err = rival.Execute(context.Background(), "flow-4")
	assert.ErrorIs(t, err, simpleflow.ErrNotClaimed)
}

// TestExecuteResumesFromStaleHeartbeatAfterFailover covers spec.md's
// "node A crashes mid-flow" scenario: A claims, runs one step, then
// goes silent (no further heartbeats, as on a process crash). Once A's
// heartbeat is older than B's claim timeout, B's TryClaim must succeed
// and Execute must resume from the persisted Step cursor rather than
// re-running "first".
func TestExecuteResumesFromStaleHeartbeatAfterFailover(t *testing.T) {
	var ran []string
	f := simpleflow.New("resumable",
		simpleflow.Step{Name: "first", Run: func(ctx context.Context, data []byte) ([]byte, error) {
			ran = append(ran, "first")
			return append(data, 'A'), nil
		}},
		simpleflow.Step{Name: "second", Run: func(ctx context.Context, data []byte) ([]byte, error) {
			ran = append(ran, "second")
			return append(data, 'B'), nil
		}},
	)
	st := memstore.New()

	nodeA := simpleflow.NewExecutor(f, st, "node-a")
	_, err := nodeA.Submit(context.Background(), "flow-5", nil)
	require.NoError(t, err)

	// node-a claims directly through the store (bypassing Execute, so
	// no background heartbeat ticker starts), runs "first", persists
	// the result, and then goes silent — simulating a crash right
	// after the step completed but before "second" ever started.
	claimed, ok, err := st.TryClaim(context.Background(), f.Type, "flow-5", "node-a", time.Hour.Milliseconds())
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.Steps[0].Run(context.Background(), claimed.Data)
	require.NoError(t, err)
	claimed.Data = out
	claimed.Step = 1
	ok, err = st.UpdateSimple(context.Background(), claimed)
	require.NoError(t, err)
	require.True(t, ok)

	nodeB := simpleflow.NewExecutor(f, st, "node-b").WithClaimTimeout(15 * time.Millisecond)
	time.Sleep(30 * time.Millisecond) // node-a's heartbeat is now stale

	result, err := nodeB.Execute(context.Background(), "flow-5")
	require.NoError(t, err)
	assert.Equal(t, store.SimpleDone, result.Status)
	assert.Equal(t, "node-b", result.Owner)
	assert.Equal(t, "AB", string(result.Data))
	assert.Equal(t, []string{"first", "second"}, ran)
}
