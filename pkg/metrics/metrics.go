// Package metrics provides minimal Prometheus-text-format instrumentation
// for flowd and flowworker, without taking a dependency on the
// prometheus client (none of the pack's examples pull one in either).
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Metrics holds every counter/gauge/histogram a flowcore process exposes.
type Metrics struct {
	FlowsStarted   *Counter
	FlowsCompleted *Counter
	FlowsFailed    *Counter
	FlowsResumed   *Counter
	FlowDuration   *Histogram

	ClaimsDequeued *Counter
	ClaimsRequeued *Counter
	QueueDepth     *Gauge

	WorkersActive *Gauge
	WorkersBusy   *Gauge

	ScheduleTriggers *Counter
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	value float64
}

// Gauge is a value that can go up or down.
type Gauge struct {
	name  string
	value float64
}

// Histogram tracks the count and sum of observed values; it does not
// bucket, since nothing here renders a distribution, only count/sum/avg.
type Histogram struct {
	name  string
	count uint64
	sum   float64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		FlowsStarted:   NewCounter("flowcore_flows_started_total"),
		FlowsCompleted: NewCounter("flowcore_flows_completed_total"),
		FlowsFailed:    NewCounter("flowcore_flows_failed_total"),
		FlowsResumed:   NewCounter("flowcore_flows_resumed_total"),
		FlowDuration:   NewHistogram("flowcore_flow_duration_seconds"),

		ClaimsDequeued: NewCounter("flowcore_claims_dequeued_total"),
		ClaimsRequeued: NewCounter("flowcore_claims_requeued_total"),
		QueueDepth:     NewGauge("flowcore_queue_depth"),

		WorkersActive: NewGauge("flowcore_workers_active"),
		WorkersBusy:   NewGauge("flowcore_workers_busy"),

		ScheduleTriggers: NewCounter("flowcore_schedule_triggers_total"),
	}
}

func NewCounter(name string) *Counter     { return &Counter{name: name} }
func NewGauge(name string) *Gauge         { return &Gauge{name: name} }
func NewHistogram(name string) *Histogram { return &Histogram{name: name} }

func (c *Counter) Inc()             { c.value++ }
func (c *Counter) Add(v float64)    { c.value += v }
func (c *Counter) Value() float64   { return c.value }

func (g *Gauge) Set(v float64)    { g.value = v }
func (g *Gauge) Inc()             { g.value++ }
func (g *Gauge) Dec()             { g.value-- }
func (g *Gauge) Add(v float64)    { g.value += v }
func (g *Gauge) Value() float64   { return g.value }

func (h *Histogram) Observe(v float64)                 { h.count++; h.sum += v }
func (h *Histogram) ObserveDuration(start time.Time)    { h.Observe(time.Since(start).Seconds()) }
func (h *Histogram) Count() uint64                      { return h.count }
func (h *Histogram) Sum() float64                       { return h.sum }
func (h *Histogram) Avg() float64 {
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Handler returns an http.Handler rendering every metric in a
// Prometheus-text-compatible (name value\n) format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		writeMetric(w, m.FlowsStarted.name, m.FlowsStarted.Value())
		writeMetric(w, m.FlowsCompleted.name, m.FlowsCompleted.Value())
		writeMetric(w, m.FlowsFailed.name, m.FlowsFailed.Value())
		writeMetric(w, m.FlowsResumed.name, m.FlowsResumed.Value())
		writeMetric(w, m.FlowDuration.name+"_count", float64(m.FlowDuration.Count()))
		writeMetric(w, m.FlowDuration.name+"_sum", m.FlowDuration.Sum())

		writeMetric(w, m.ClaimsDequeued.name, m.ClaimsDequeued.Value())
		writeMetric(w, m.ClaimsRequeued.name, m.ClaimsRequeued.Value())
		writeMetric(w, m.QueueDepth.name, m.QueueDepth.Value())

		writeMetric(w, m.WorkersActive.name, m.WorkersActive.Value())
		writeMetric(w, m.WorkersBusy.name, m.WorkersBusy.Value())

		writeMetric(w, m.ScheduleTriggers.name, m.ScheduleTriggers.Value())
	})
}

func writeMetric(w http.ResponseWriter, name string, value float64) {
	fmt.Fprintf(w, "%s %s\n", name, strconv.FormatFloat(value, 'g', -1, 64))
}

// Default is the process-wide metrics instance; flowd and flowworker
// both increment into it, and flowd exposes it on /metrics.
var Default = NewMetrics()
