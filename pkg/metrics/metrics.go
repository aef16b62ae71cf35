// Prometheus text-format metrics for the DAC host tools
//
// Counter, Gauge and Histogram families keyed by label sets, collected in a
// Registry that renders the exposition format.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	}
	return "untyped"
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// key identifies a label set within a family
func (l Labels) key() string {
	var sb strings.Builder
	for _, k := range l.sortedKeys() {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
		sb.WriteByte(',')
	}
	return sb.String()
}

// String renders labels as {k="v",...}, or "" for an empty set
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", k, l[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) with(k, v string) Labels {
	out := l.clone()
	out[k] = v
	return out
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// family holds the series of one metric name in first-seen order.
type family struct {
	name string
	help string

	mu     sync.Mutex
	series map[string]interface{}
	order  []string
	labels map[string]Labels
}

func (f *family) init(name, help string) {
	f.name = name
	f.help = help
	f.series = make(map[string]interface{})
	f.labels = make(map[string]Labels)
}

func (f *family) Name() string { return f.name }

// get returns the series for labels, creating it with mk.
func (f *family) get(labels Labels, mk func() interface{}) interface{} {
	k := labels.key()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[k]
	if !ok {
		s = mk()
		f.series[k] = s
		f.order = append(f.order, k)
		f.labels[k] = labels.clone()
	}
	return s
}

func (f *family) lookup(labels Labels) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[labels.key()]
	return s, ok
}

func (f *family) each(fn func(Labels, interface{})) {
	f.mu.Lock()
	keys := append([]string(nil), f.order...)
	f.mu.Unlock()
	for _, k := range keys {
		f.mu.Lock()
		s, l := f.series[k], f.labels[k]
		f.mu.Unlock()
		fn(l, s)
	}
}

func (f *family) header(sb *strings.Builder, t MetricType) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, t)
}

// Counter is a monotonically increasing metric
type Counter struct{ family }

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	c := &Counter{}
	c.init(name, help)
	return c
}

func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add increments the counter by delta
func (c *Counter) Add(labels Labels, delta uint64) {
	v := c.get(labels, func() interface{} { return new(uint64) }).(*uint64)
	atomic.AddUint64(v, delta)
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	v, ok := c.lookup(labels)
	if !ok {
		return 0
	}
	return atomic.LoadUint64(v.(*uint64))
}

func (c *Counter) Write(sb *strings.Builder) {
	c.header(sb, TypeCounter)
	c.each(func(l Labels, s interface{}) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, l, atomic.LoadUint64(s.(*uint64)))
	})
}

type gaugeValue struct {
	mu    sync.Mutex
	value float64
}

// Gauge is a metric that can go up and down
type Gauge struct{ family }

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	g := &Gauge{}
	g.init(name, help)
	return g
}

func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) value(labels Labels) *gaugeValue {
	return g.get(labels, func() interface{} { return &gaugeValue{} }).(*gaugeValue)
}

// Set sets the gauge to the given value
func (g *Gauge) Set(labels Labels, v float64) {
	gv := g.value(labels)
	gv.mu.Lock()
	gv.value = v
	gv.mu.Unlock()
}

// Add adds delta to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	gv := g.value(labels)
	gv.mu.Lock()
	gv.value += delta
	gv.mu.Unlock()
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	s, ok := g.lookup(labels)
	if !ok {
		return 0
	}
	gv := s.(*gaugeValue)
	gv.mu.Lock()
	defer gv.mu.Unlock()
	return gv.value
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.header(sb, TypeGauge)
	g.each(func(l Labels, s interface{}) {
		gv := s.(*gaugeValue)
		gv.mu.Lock()
		v := gv.value
		gv.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, l, formatFloat(v))
	})
}

type histogramValue struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	buckets []uint64 // per-bucket, not cumulative
}

// Histogram tracks the distribution of observations
type Histogram struct {
	family
	bounds []float64
}

// NewHistogram creates a histogram with the given upper bounds
func NewHistogram(name, help string, bounds []float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	h := &Histogram{bounds: sorted}
	h.init(name, help)
	return h
}

// ExponentialBuckets creates count bounds starting at start
func ExponentialBuckets(start, factor float64, count int) []float64 {
	b := make([]float64, count)
	for i := range b {
		b[i] = start
		start *= factor
	}
	return b
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records a value
func (h *Histogram) Observe(labels Labels, v float64) {
	hv := h.get(labels, func() interface{} {
		return &histogramValue{buckets: make([]uint64, len(h.bounds))}
	}).(*histogramValue)
	i := sort.SearchFloat64s(h.bounds, v)
	hv.mu.Lock()
	hv.count++
	hv.sum += v
	if i < len(hv.buckets) {
		hv.buckets[i]++
	}
	hv.mu.Unlock()
}

// ObserveDuration records d in seconds
func (h *Histogram) ObserveDuration(labels Labels, d time.Duration) {
	h.Observe(labels, d.Seconds())
}

// HistogramSnapshot is a point-in-time copy of one series with cumulative
// bucket counts
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

// Snapshot returns the series for labels
func (h *Histogram) Snapshot(labels Labels) HistogramSnapshot {
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.bounds))}
	s, ok := h.lookup(labels)
	if !ok {
		return snap
	}
	hv := s.(*histogramValue)
	hv.mu.Lock()
	defer hv.mu.Unlock()
	var cum uint64
	for i, b := range h.bounds {
		cum += hv.buckets[i]
		snap.Buckets[b] = cum
	}
	snap.Count, snap.Sum = hv.count, hv.sum
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.header(sb, TypeHistogram)
	h.each(func(l Labels, _ interface{}) {
		snap := h.Snapshot(l)
		for _, b := range h.bounds {
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", formatFloat(b)), snap.Buckets[b])
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", "+Inf"), snap.Count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, l, formatFloat(snap.Sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, l, snap.Count)
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Registry holds registered metrics in registration order
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.metrics[m.Name()]; exists {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.metrics[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every metric in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
