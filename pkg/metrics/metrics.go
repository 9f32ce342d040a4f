// Package metrics is a small registry of counters, gauges and histograms
// rendered in the Prometheus text exposition format. Labels are baked into
// the series name (see WithLabels); series sharing a base name form one
// family with a single HELP and TYPE header.
package metrics

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are latency buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

type series interface {
	write(b *strings.Builder, base, name string)
}

// Counter only goes up.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

func (c *Counter) write(b *strings.Builder, _, name string) {
	fmt.Fprintf(b, "%s %d\n", name, c.Value())
}

// Gauge can go up and down.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.val.Store(n) }
func (g *Gauge) Inc()         { g.val.Add(1) }
func (g *Gauge) Dec()         { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

func (g *Gauge) write(b *strings.Builder, _, name string) {
	fmt.Fprintf(b, "%s %d\n", name, g.Value())
}

// gaugeFunc is sampled at render time.
type gaugeFunc func() float64

func (f gaugeFunc) write(b *strings.Builder, _, name string) {
	fmt.Fprintf(b, "%s %g\n", name, f())
}

// Histogram counts observations into fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // per bucket, not cumulative
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *Histogram {
	b := slices.Clone(buckets)
	slices.Sort(b)
	return &Histogram{buckets: b, counts: make([]uint64, len(b))}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i, _ := slices.BinarySearch(h.buckets, v); i < len(h.buckets) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(b *strings.Builder, base, name string) {
	h.mu.Lock()
	counts := slices.Clone(h.counts)
	sum, count := h.sum, h.count
	h.mu.Unlock()

	labels := innerLabels(name)
	sep := ""
	if labels != "" {
		sep = ","
	}
	var cumulative uint64
	for i, le := range h.buckets {
		cumulative += counts[i]
		fmt.Fprintf(b, "%s_bucket{%s%sle=\"%g\"} %d\n", base, labels, sep, le, cumulative)
	}
	fmt.Fprintf(b, "%s_bucket{%s%sle=\"+Inf\"} %d\n", base, labels, sep, count)
	suffix := ""
	if labels != "" {
		suffix = "{" + labels + "}"
	}
	fmt.Fprintf(b, "%s_sum%s %g\n", base, suffix, sum)
	fmt.Fprintf(b, "%s_count%s %d\n", base, suffix, count)
}

type family struct {
	kind   kind
	help   string
	series map[string]series
}

// Registry holds named metrics. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	order    []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// lookup returns the series called name, creating it with mk when absent.
// Registering one base name under two kinds is a programming error.
func (r *Registry) lookup(name, help string, k kind, mk func() series) series {
	base := baseName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[base]
	if !ok {
		f = &family{kind: k, series: make(map[string]series)}
		r.families[base] = f
		r.order = append(r.order, base)
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", base, f.kind, k))
	}
	if help != "" {
		f.help = help
	}
	s, ok := f.series[name]
	if !ok {
		s = mk()
		f.series[name] = s
	}
	return s
}

// Counter returns (or creates) the counter called name.
func (r *Registry) Counter(name, help string) *Counter {
	return r.lookup(name, help, kindCounter, func() series { return &Counter{} }).(*Counter)
}

// Gauge returns (or creates) the gauge called name.
func (r *Registry) Gauge(name, help string) *Gauge {
	return r.lookup(name, help, kindGauge, func() series { return &Gauge{} }).(*Gauge)
}

// GaugeFunc registers a gauge whose value is read from f at render time.
// The first registration for a name wins.
func (r *Registry) GaugeFunc(name, help string, f func() float64) {
	r.lookup(name, help, kindGauge, func() series { return gaugeFunc(f) })
}

// Histogram returns (or creates) a histogram. Nil buckets select
// DefaultBuckets; buckets are ignored when the histogram already exists.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return r.lookup(name, help, kindHistogram, func() series { return newHistogram(buckets) }).(*Histogram)
}

// WithLabels returns name with label pairs appended, e.g.
// WithLabels("foo", "k", "v") => `foo{k="v"}`. Values are escaped.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i < len(kvs); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kvs[i], kvs[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func baseName(name string) string {
	if i := strings.IndexByte(name, '{'); i != -1 {
		return name[:i]
	}
	return name
}

// innerLabels returns `k="v"` from `foo{k="v"}`.
func innerLabels(name string) string {
	i := strings.IndexByte(name, '{')
	if i == -1 || !strings.HasSuffix(name, "}") {
		return ""
	}
	return name[i+1 : len(name)-1]
}

// Render returns every family in registration order, series sorted by name.
func (r *Registry) Render() string {
	r.mu.Lock()
	type snap struct {
		base  string
		f     family
		names []string
	}
	snaps := make([]snap, 0, len(r.order))
	for _, base := range r.order {
		f := r.families[base]
		names := make([]string, 0, len(f.series))
		for n := range f.series {
			names = append(names, n)
		}
		slices.Sort(names)
		cp := *f
		cp.series = make(map[string]series, len(f.series))
		for n, s := range f.series {
			cp.series[n] = s
		}
		snaps = append(snaps, snap{base: base, f: cp, names: names})
	}
	r.mu.Unlock()

	var b strings.Builder
	for _, s := range snaps {
		if s.f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", s.base, s.f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", s.base, s.f.kind)
		for _, n := range s.names {
			s.f.series[n].write(&b, s.base, n)
		}
	}
	return b.String()
}

// Handler serves Render output.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}
