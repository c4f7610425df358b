// Package metrics provides the gateway's counters, gauges, and histograms.
// Counters are atomic; histograms accumulate into shards that are merged
// at snapshot time, so hot paths never contend on a single lock.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const histogramShards = 8

// Counter is a monotonically increasing value with optional labels.
type Counter struct {
	name        string
	description string
	total       atomic.Int64

	mu     sync.Mutex
	labels map[string]*atomic.Int64
}

// Inc increments the counter by one for the given label set.
func (c *Counter) Inc(labels ...string) {
	c.Add(1, labels...)
}

// Add increments the counter by n for the given label set.
func (c *Counter) Add(n int64, labels ...string) {
	c.total.Add(n)
	if len(labels) == 0 {
		return
	}
	key := strings.Join(labels, "|")
	c.mu.Lock()
	v, ok := c.labels[key]
	if !ok {
		v = &atomic.Int64{}
		c.labels[key] = v
	}
	c.mu.Unlock()
	v.Add(n)
}

// Value returns the unlabeled total.
func (c *Counter) Value() int64 { return c.total.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name        string
	description string
	bits        atomic.Int64
}

// Set stores the gauge value.
func (g *Gauge) Set(v int64) { g.bits.Store(v) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.bits.Load() }

// Histogram accumulates observations into per-shard buffers. Snapshot
// merges the shards; the hot path only locks one shard.
type Histogram struct {
	name        string
	description string
	shards      [histogramShards]histShard
	next        atomic.Uint64
}

type histShard struct {
	mu    sync.Mutex
	sum   float64
	count int64
	obs   []float64
}

const maxObservations = 1000

// Observe records one observation.
func (h *Histogram) Observe(v float64) {
	s := &h.shards[h.next.Add(1)%histogramShards]
	s.mu.Lock()
	s.sum += v
	s.count++
	s.obs = append(s.obs, v)
	if len(s.obs) > maxObservations {
		s.obs = s.obs[len(s.obs)-maxObservations:]
	}
	s.mu.Unlock()
}

// HistogramSnapshot is a merged view of a histogram.
type HistogramSnapshot struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

func (h *Histogram) snapshot() HistogramSnapshot {
	var merged []float64
	var out HistogramSnapshot
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		out.Sum += s.sum
		out.Count += s.count
		merged = append(merged, s.obs...)
		s.mu.Unlock()
	}
	if len(merged) == 0 {
		return out
	}
	sort.Float64s(merged)
	pick := func(p float64) float64 {
		idx := int(float64(len(merged)) * p)
		if idx >= len(merged) {
			idx = len(merged) - 1
		}
		return merged[idx]
	}
	out.P50, out.P95, out.P99 = pick(0.50), pick(0.95), pick(0.99)
	return out
}

// Registry holds the gateway's metric set.
type Registry struct {
	RequestsTotal         *Counter
	ProviderErrorsTotal   *Counter
	CircuitOpensTotal     *Counter
	CircuitAdminTotal     *Counter
	HealRequestsTotal     *Counter
	HealCommitsTotal      *Counter
	HealRollbacksTotal    *Counter
	FallbacksTotal        *Counter
	InputTokensTotal      *Counter
	OutputTokensTotal     *Counter
	OpenCircuits          *Gauge
	PendingFixes          *Gauge
	RequestDuration       *Histogram
	HealDuration          *Histogram
}

// NewRegistry creates the gateway metric set.
func NewRegistry() *Registry {
	counter := func(name, desc string) *Counter {
		return &Counter{name: name, description: desc, labels: make(map[string]*atomic.Int64)}
	}
	return &Registry{
		RequestsTotal:       counter("aratta_requests_total", "Requests by provider and kind"),
		ProviderErrorsTotal: counter("aratta_provider_errors_total", "Provider errors by provider and error kind"),
		CircuitOpensTotal:   counter("aratta_circuit_opens_total", "Circuit breaker opens by provider"),
		CircuitAdminTotal:   counter("aratta_circuit_admin_transitions_total", "Administrative circuit transitions"),
		HealRequestsTotal:   counter("aratta_heal_requests_total", "Heal requests dispatched by provider"),
		HealCommitsTotal:    counter("aratta_heal_commits_total", "Committed heal fixes by provider"),
		HealRollbacksTotal:  counter("aratta_heal_rollbacks_total", "Rolled-back heal fixes by provider"),
		FallbacksTotal:      counter("aratta_fallbacks_total", "Requests answered by a fallback provider"),
		InputTokensTotal:    counter("aratta_input_tokens_total", "Input tokens by provider"),
		OutputTokensTotal:   counter("aratta_output_tokens_total", "Output tokens by provider"),
		OpenCircuits:        &Gauge{name: "aratta_open_circuits", description: "Currently open circuits"},
		PendingFixes:        &Gauge{name: "aratta_pending_fixes", description: "Fixes awaiting approval"},
		RequestDuration:     &Histogram{name: "aratta_request_duration_seconds", description: "Request latency"},
		HealDuration:        &Histogram{name: "aratta_heal_duration_seconds", description: "Heal cycle duration"},
	}
}

// CounterSnapshot is one counter with its per-label breakdown.
type CounterSnapshot struct {
	Total  int64            `json:"total"`
	Labels map[string]int64 `json:"labels,omitempty"`
}

// Snapshot is the JSON-serializable view of all metrics.
type Snapshot struct {
	Counters   map[string]CounterSnapshot   `json:"counters"`
	Gauges     map[string]int64             `json:"gauges"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

func (c *Counter) snapshot() CounterSnapshot {
	out := CounterSnapshot{Total: c.total.Load()}
	c.mu.Lock()
	if len(c.labels) > 0 {
		out.Labels = make(map[string]int64, len(c.labels))
		for k, v := range c.labels {
			out.Labels[k] = v.Load()
		}
	}
	c.mu.Unlock()
	return out
}

// Snapshot merges all metrics into a point-in-time view.
func (r *Registry) Snapshot() Snapshot {
	counters := []*Counter{
		r.RequestsTotal, r.ProviderErrorsTotal, r.CircuitOpensTotal,
		r.CircuitAdminTotal, r.HealRequestsTotal, r.HealCommitsTotal,
		r.HealRollbacksTotal, r.FallbacksTotal, r.InputTokensTotal,
		r.OutputTokensTotal,
	}
	s := Snapshot{
		Counters:   make(map[string]CounterSnapshot, len(counters)),
		Gauges:     make(map[string]int64, 2),
		Histograms: make(map[string]HistogramSnapshot, 2),
	}
	for _, c := range counters {
		s.Counters[c.name] = c.snapshot()
	}
	s.Gauges[r.OpenCircuits.name] = r.OpenCircuits.Value()
	s.Gauges[r.PendingFixes.name] = r.PendingFixes.Value()
	s.Histograms[r.RequestDuration.name] = r.RequestDuration.snapshot()
	s.Histograms[r.HealDuration.name] = r.HealDuration.snapshot()
	return s
}
