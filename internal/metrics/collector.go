// Package metrics is a lightweight collector that renders Prometheus text
// exposition format without pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters, gauges, and histograms for one process.
type Collector struct {
	counters   sync.Map // keyed name{labels} -> *Counter
	gauges     sync.Map
	histograms sync.Map
	startTime  time.Time
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name   string
	help   string
	labels string

	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Counter returns or creates the counter for name+labels.
func (c *Collector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates the gauge for name+labels.
func (c *Collector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram for name+labels.
func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// Handler renders all metrics in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		fmt.Fprintf(&sb, "# HELP personabot_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE personabot_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "personabot_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		helpWritten := make(map[string]bool)
		c.counters.Range(func(key, value any) bool {
			ctr := value.(*Counter)
			if !helpWritten[ctr.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
				fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
				helpWritten[ctr.name] = true
			}
			writeSample(&sb, ctr.name, ctr.labels, fmt.Sprintf("%d", ctr.Value()))
			return true
		})

		helpWritten = make(map[string]bool)
		c.gauges.Range(func(key, value any) bool {
			g := value.(*Gauge)
			if !helpWritten[g.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
				fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
				helpWritten[g.name] = true
			}
			writeSample(&sb, g.name, g.labels, fmt.Sprintf("%d", g.Value()))
			return true
		})

		c.histograms.Range(func(key, value any) bool {
			h := value.(*Histogram)
			h.mu.Lock()
			defer h.mu.Unlock()

			fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
			fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
			prefix := h.name + "_bucket{"
			if h.labels != "" {
				prefix += h.labels + ","
			}
			for _, b := range h.buckets {
				le := fmt.Sprintf("%g", b.le)
				if math.IsInf(b.le, 1) {
					le = "+Inf"
				}
				fmt.Fprintf(&sb, "%sle=%q} %d\n", prefix, le, b.count)
			}
			writeSample(&sb, h.name+"_count", h.labels, fmt.Sprintf("%d", h.count))
			writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
			return true
		})

		fmt.Fprint(w, sb.String())
	}
}

func writeSample(sb *strings.Builder, name, labels, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
	} else {
		fmt.Fprintf(sb, "%s %s\n", name, value)
	}
}

// EngineMetrics bundles the instruments one bot engine records into. Each
// persona engine gets its own bundle, distinguished by the persona label on a
// shared collector.
type EngineMetrics struct {
	MessagesProcessed *Counter
	MessagesFailed    *Counter
	MessagesQueued    *Counter
	ProviderRetries   *Counter
	ActionsExecuted   *Counter

	InFlight   *Gauge
	QueueDepth *Gauge

	ResponseSeconds *Histogram
}

func NewEngineMetrics(c *Collector, personaName string) *EngineMetrics {
	labels := fmt.Sprintf("persona=%q", personaName)
	return &EngineMetrics{
		MessagesProcessed: c.Counter("personabot_messages_processed_total", "Completed chat responses", labels),
		MessagesFailed:    c.Counter("personabot_messages_failed_total", "Requests that ended in a user-visible error", labels),
		MessagesQueued:    c.Counter("personabot_messages_queued_total", "Messages deferred by admission control", labels),
		ProviderRetries:   c.Counter("personabot_provider_retries_total", "Rate-limit retries against the provider", labels),
		ActionsExecuted:   c.Counter("personabot_actions_executed_total", "Model-requested actions executed", labels),
		InFlight:          c.Gauge("personabot_inflight_requests", "Requests currently streaming", labels),
		QueueDepth:        c.Gauge("personabot_queue_depth", "Messages waiting for a concurrency slot", labels),
		ResponseSeconds: c.Histogram("personabot_response_seconds", "End-to-end response latency in seconds", labels,
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120}),
	}
}
