// Package cron schedules named flows onto a Registry at fixed times,
// adapted from the teacher's workflow cron scheduler
// (pkg/workflow/cron.go): same ticker-driven check loop and the same
// hand-rolled five-field expression parser, retargeted from
// map[string]any workflow input onto dsl.Identifiable state factories.
package cron

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nuulab/flowcore/pkg/dsl"
	"github.com/nuulab/flowcore/pkg/metrics"
)

// Starter is the subset of pkg/registry.Registry a Scheduler needs.
type Starter interface {
	RunNamed(ctx context.Context, name string, state dsl.Identifiable) (*dsl.Result, error)
}

// Schedule is one recurring trigger: run FlowName with a fresh state
// from NewState every time Expression next matches.
type Schedule struct {
	ID         string
	FlowName   string
	Expression string
	NewState   func() dsl.Identifiable
	Enabled    bool
	LastRun    time.Time
	NextRun    time.Time
	parsed     *Expression
}

// Scheduler manages a set of schedules against a Starter.
type Scheduler struct {
	starter   Starter
	schedules map[string]*Schedule
	stop      chan struct{}
	running   bool
	mu        sync.RWMutex
}

// New returns a Scheduler triggering flows through starter.
func New(starter Starter) *Scheduler {
	return &Scheduler{starter: starter, schedules: make(map[string]*Schedule)}
}

// Add registers a schedule. expression accepts standard five-field
// cron syntax, the @yearly/@monthly/@weekly/@daily/@hourly shorthands,
// and an "@every <duration>" form.
func (s *Scheduler) Add(id, flowName, expression string, newState func() dsl.Identifiable) error {
	parsed, err := Parse(expression)
	if err != nil {
		return fmt.Errorf("cron: invalid expression: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[id] = &Schedule{
		ID:         id,
		FlowName:   flowName,
		Expression: expression,
		NewState:   newState,
		Enabled:    true,
		parsed:     parsed,
		NextRun:    parsed.Next(time.Now()),
	}
	return nil
}

// Remove drops a schedule.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
}

// Enable re-arms a disabled schedule from now.
func (s *Scheduler) Enable(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch, ok := s.schedules[id]; ok {
		sch.Enabled = true
		sch.NextRun = sch.parsed.Next(time.Now())
	}
}

// Disable pauses a schedule without removing it.
func (s *Scheduler) Disable(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch, ok := s.schedules[id]; ok {
		sch.Enabled = false
	}
}

// List returns every registered schedule.
func (s *Scheduler) List() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, sch)
	}
	return out
}

// Start launches the check loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the check loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stop)
		s.running = false
	}
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.checkSchedules(ctx, now)
		}
	}
}

func (s *Scheduler) checkSchedules(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sch := range s.schedules {
		if !sch.Enabled {
			continue
		}
		if now.After(sch.NextRun) || now.Equal(sch.NextRun) {
			go s.trigger(ctx, sch)
			sch.LastRun = now
			sch.NextRun = sch.parsed.Next(now)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, sch *Schedule) {
	metrics.Default.ScheduleTriggers.Inc()
	state := sch.NewState()
	if _, err := s.starter.RunNamed(ctx, sch.FlowName, state); err != nil {
		log.Printf("cron: failed to start flow %q (schedule %s): %v", sch.FlowName, sch.ID, err)
	}
}

// Expression is a parsed five-field cron expression.
type Expression struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
}

// Parse parses a cron expression: standard "m h dom mon dow", the
// @yearly/@monthly/@weekly/@daily/@hourly shorthands, or "@every <dur>".
func Parse(expression string) (*Expression, error) {
	switch expression {
	case "@yearly", "@annually":
		expression = "0 0 1 1 *"
	case "@monthly":
		expression = "0 0 1 * *"
	case "@weekly":
		expression = "0 0 * * 0"
	case "@daily", "@midnight":
		expression = "0 0 * * *"
	case "@hourly":
		expression = "0 * * * *"
	}

	if strings.HasPrefix(expression, "@every ") {
		return parseEvery(strings.TrimPrefix(expression, "@every "))
	}

	parts := strings.Fields(expression)
	if len(parts) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(parts))
	}

	expr := &Expression{}
	var err error
	if expr.minute, err = parseField(parts[0], 0, 59); err != nil {
		return nil, fmt.Errorf("minute: %w", err)
	}
	if expr.hour, err = parseField(parts[1], 0, 23); err != nil {
		return nil, fmt.Errorf("hour: %w", err)
	}
	if expr.dayOfMonth, err = parseField(parts[2], 1, 31); err != nil {
		return nil, fmt.Errorf("day of month: %w", err)
	}
	if expr.month, err = parseField(parts[3], 1, 12); err != nil {
		return nil, fmt.Errorf("month: %w", err)
	}
	if expr.dayOfWeek, err = parseField(parts[4], 0, 6); err != nil {
		return nil, fmt.Errorf("day of week: %w", err)
	}
	return expr, nil
}

func parseEvery(duration string) (*Expression, error) {
	d, err := time.ParseDuration(duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %w", err)
	}

	minutes := int(d.Minutes())
	if minutes <= 0 {
		return nil, fmt.Errorf("duration must be at least 1 minute")
	}
	if minutes < 60 {
		mins := make([]int, 0, 60/minutes)
		for i := 0; i < 60; i += minutes {
			mins = append(mins, i)
		}
		return &Expression{minute: mins, hour: makeRange(0, 23), dayOfMonth: makeRange(1, 31), month: makeRange(1, 12), dayOfWeek: makeRange(0, 6)}, nil
	}

	hours := minutes / 60
	if hours < 24 {
		hrs := make([]int, 0, 24/hours)
		for i := 0; i < 24; i += hours {
			hrs = append(hrs, i)
		}
		return &Expression{minute: []int{0}, hour: hrs, dayOfMonth: makeRange(1, 31), month: makeRange(1, 12), dayOfWeek: makeRange(0, 6)}, nil
	}

	return nil, fmt.Errorf("duration too long, use a standard cron expression")
}

func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return makeRange(min, max), nil
	}
	if strings.HasPrefix(field, "*/") {
		step, err := strconv.Atoi(strings.TrimPrefix(field, "*/"))
		if err != nil {
			return nil, err
		}
		values := make([]int, 0)
		for i := min; i <= max; i += step {
			values = append(values, i)
		}
		return values, nil
	}

	var values []int
	for _, part := range strings.Split(field, ",") {
		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			start, err := strconv.Atoi(rangeParts[0])
			if err != nil {
				return nil, err
			}
			end, err := strconv.Atoi(rangeParts[1])
			if err != nil {
				return nil, err
			}
			for i := start; i <= end; i++ {
				values = append(values, i)
			}
		} else {
			val, err := strconv.Atoi(part)
			if err != nil {
				return nil, err
			}
			values = append(values, val)
		}
	}

	for _, v := range values {
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
		}
	}
	sort.Ints(values)
	return values, nil
}

func makeRange(min, max int) []int {
	values := make([]int, max-min+1)
	for i := range values {
		values[i] = min + i
	}
	return values
}

// Next returns the first time at or after from.Add(time.Minute),
// truncated to the minute, that matches the expression.
func (e *Expression) Next(from time.Time) time.Time {
	t := from.Add(time.Minute).Truncate(time.Minute)
	for i := 0; i < 366*24*60; i++ {
		if e.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (e *Expression) matches(t time.Time) bool {
	return contains(e.minute, t.Minute()) &&
		contains(e.hour, t.Hour()) &&
		contains(e.dayOfMonth, t.Day()) &&
		contains(e.month, int(t.Month())) &&
		contains(e.dayOfWeek, int(t.Weekday()))
}

func contains(values []int, v int) bool {
	for _, val := range values {
		if val == v {
			return true
		}
	}
	return false
}
