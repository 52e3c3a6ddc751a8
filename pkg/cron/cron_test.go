package cron_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/flowcore/pkg/cron"
	"github.com/nuulab/flowcore/pkg/dsl"
	"github.com/nuulab/flowcore/pkg/flow"
	"github.com/nuulab/flowcore/pkg/mediator"
	"github.com/nuulab/flowcore/pkg/mediator/inproc"
	"github.com/nuulab/flowcore/pkg/registry"
	"github.com/nuulab/flowcore/pkg/store/memstore"
)

type tickState struct {
	FlowID string
}

func (s *tickState) GetFlowID() string   { return s.FlowID }
func (s *tickState) SetFlowID(id string) { s.FlowID = id }

type tickCmd struct{ n int64 }

func (c tickCmd) MessageID() int64 { return c.n }

func newTickRegistry(t *testing.T, onRun func()) *registry.Registry {
	t.Helper()

	med := inproc.New()
	med.HandleCommand(tickCmd{}, func(ctx context.Context, msg mediator.Message) error {
		onRun()
		return nil
	})

	var seq int64
	cfg := flow.New("heartbeat").
		Send("tick", func(state any) any {
			seq++
			return tickCmd{n: seq}
		}).Then().
		MustBuild()

	reg := registry.New()
	reg.Register("heartbeat", 1, cfg, med, memstore.New())
	return reg
}

func TestParseStandardExpressionComputesNextMinute(t *testing.T) {
	expr, err := cron.Parse("30 2 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, 2, next.Hour())
	assert.Equal(t, 30, next.Minute())
	assert.Equal(t, 1, next.Day())
}

func TestParseEveryShorthand(t *testing.T) {
	expr, err := cron.Parse("@every 15m")
	require.NoError(t, err)

	from := time.Date(2026, 8, 1, 10, 3, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, 15, next.Minute())
}

func TestParseRejectsMalformedExpression(t *testing.T) {
	_, err := cron.Parse("not a cron")
	assert.Error(t, err)
}

func TestAddRejectsInvalidExpression(t *testing.T) {
	s := cron.New(newTickRegistry(t, func() {}))
	err := s.Add("bad", "heartbeat", "nonsense", func() dsl.Identifiable { return &tickState{} })
	assert.Error(t, err)
	assert.Empty(t, s.List())
}

func TestCheckSchedulesTriggersDueScheduleAndAdvancesNextRun(t *testing.T) {
	var mu sync.Mutex
	runs := 0

	reg := newTickRegistry(t, func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})

	s := cron.New(reg)
	require.NoError(t, s.Add("hb", "heartbeat", "@every 1m", func() dsl.Identifiable { return &tickState{} }))

	due := s.List()[0]
	due.NextRun = time.Now().Add(-time.Second)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 1
	}, 3*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.True(t, due.NextRun.After(time.Now()), "expected NextRun to advance past now after triggering")
}

func TestDisableStopsFutureTriggers(t *testing.T) {
	var mu sync.Mutex
	runs := 0

	reg := newTickRegistry(t, func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})

	s := cron.New(reg)
	require.NoError(t, s.Add("hb", "heartbeat", "@every 1m", func() dsl.Identifiable { return &tickState{} }))
	s.Disable("hb")

	due := s.List()[0]
	due.NextRun = time.Now().Add(-time.Second)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(1200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, runs)
}
