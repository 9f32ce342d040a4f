package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("test_total", "A test counter")
	c.Inc()
	c.Add(5)
	if c.Value() != 6 {
		t.Fatalf("counter = %d", c.Value())
	}
	if r.Counter("test_total", "") != c {
		t.Fatal("same name returned a new counter")
	}

	g := r.Gauge("test_gauge", "")
	g.Set(42)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 41 {
		t.Fatalf("gauge = %d", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("lat_seconds", "", []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.1, 0.3, 0.8, 2} {
		h.Observe(v)
	}
	if h.Count() != 5 {
		t.Fatalf("count = %d", h.Count())
	}
	out := r.Render()
	for _, want := range []string{
		`lat_seconds_bucket{le="0.1"} 2`,
		`lat_seconds_bucket{le="0.5"} 3`,
		`lat_seconds_bucket{le="1"} 4`,
		`lat_seconds_bucket{le="+Inf"} 5`,
		"lat_seconds_sum ",
		`lat_seconds_count 5`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}

func TestLabelledHistogram(t *testing.T) {
	r := New()
	r.Histogram(WithLabels("op_seconds", "op", "embed"), "", []float64{1}).Observe(0.5)
	out := r.Render()
	for _, want := range []string{
		`op_seconds_bucket{op="embed",le="1"} 1`,
		`op_seconds_bucket{op="embed",le="+Inf"} 1`,
		`op_seconds_count{op="embed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}

func TestWithLabels(t *testing.T) {
	cases := []struct {
		kvs  []string
		want string
	}{
		{nil, "m"},
		{[]string{"odd"}, "m"},
		{[]string{"a", "1", "b", "2"}, `m{a="1",b="2"}`},
		{[]string{"q", `say "hi"`}, `m{q="say \"hi\""}`},
	}
	for _, tc := range cases {
		if got := WithLabels("m", tc.kvs...); got != tc.want {
			t.Errorf("WithLabels(%v) = %s, want %s", tc.kvs, got, tc.want)
		}
	}
}

func TestRenderFamilies(t *testing.T) {
	r := New()
	r.Counter(WithLabels("tasks_total", "status", "failed"), "Tasks by status.").Add(2)
	r.Counter(WithLabels("tasks_total", "status", "completed"), "").Add(7)
	r.Gauge("tabs", "Cached tabs.").Set(3)
	r.GaugeFunc("pending", "", func() float64 { return 1.5 })

	out := r.Render()
	if strings.Count(out, "# TYPE tasks_total counter") != 1 {
		t.Errorf("family header repeated:\n%s", out)
	}
	if !strings.Contains(out, "# HELP tasks_total Tasks by status.") {
		t.Error("help lost when later series had none")
	}
	completed := strings.Index(out, `tasks_total{status="completed"} 7`)
	failed := strings.Index(out, `tasks_total{status="failed"} 2`)
	if completed == -1 || failed == -1 || completed > failed {
		t.Errorf("series missing or unsorted:\n%s", out)
	}
	if !strings.Contains(out, "tabs 3") || !strings.Contains(out, "# TYPE pending gauge") || !strings.Contains(out, "pending 1.5") {
		t.Errorf("gauges:\n%s", out)
	}
	if strings.Index(out, "tasks_total") > strings.Index(out, "tabs") {
		t.Error("families not in registration order")
	}
}

func TestKindConflictPanics(t *testing.T) {
	r := New()
	r.Counter("x", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	r.Gauge("x", "")
}

func TestConcurrentUse(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Counter("c_total", "").Inc()
				r.Histogram("h", "", nil).Observe(0.01)
				_ = r.Render()
			}
		}()
	}
	wg.Wait()
	if got := r.Counter("c_total", "").Value(); got != 800 {
		t.Fatalf("counter = %d", got)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("test_total", "test").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "test_total 1") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
