package metrics

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestSink(t *testing.T, cfg Config) (*Sink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	sink, err := NewSink(cfg)
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	return sink, reg
}

func TestSink_AggregatesEvents(t *testing.T) {
	sink, _ := newTestSink(t, Config{})

	events := []Event{
		{Dimensions: []string{"ip", "user"}, Allowed: true, Latency: 10 * time.Microsecond},
		{Dimensions: []string{"ip", "user"}, DeniedDimension: "user", Latency: 30 * time.Microsecond},
		{Dimensions: []string{"ip"}, DeniedDimension: "ip", Allowed: true, Shadowed: true, Latency: 20 * time.Microsecond},
		{Dimensions: []string{"ip", "tool"}, Allowed: true, Degraded: true, Latency: 40 * time.Microsecond},
	}
	for _, e := range events {
		if !sink.Notify(e) {
			t.Fatal("Expected event to be queued")
		}
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	snap := sink.Snapshot()
	if snap.Total != 4 {
		t.Errorf("Expected total 4, got %d", snap.Total)
	}
	if snap.Allowed != 2 || snap.Blocked != 1 || snap.Shadowed != 1 {
		t.Errorf("Expected 2/1/1 allowed/blocked/shadowed, got %d/%d/%d", snap.Allowed, snap.Blocked, snap.Shadowed)
	}
	if snap.Degraded != 1 {
		t.Errorf("Expected 1 degraded, got %d", snap.Degraded)
	}
	if got := snap.PerDimension["ip"]; got.Requests != 4 || got.Blocked != 1 {
		t.Errorf("Expected ip 4/1, got %+v", got)
	}
	if got := snap.PerDimension["user"]; got.Requests != 2 || got.Blocked != 1 {
		t.Errorf("Expected user 2/1, got %+v", got)
	}
	if snap.MeanLatency != 25*time.Microsecond {
		t.Errorf("Expected mean latency 25µs, got %v", snap.MeanLatency)
	}
	if snap.MaxLatency != 40*time.Microsecond {
		t.Errorf("Expected max latency 40µs, got %v", snap.MaxLatency)
	}
}

func TestSink_PrometheusCollectors(t *testing.T) {
	sink, reg := newTestSink(t, Config{Namespace: "test"})

	sink.Notify(Event{Dimensions: []string{"ip"}, Allowed: true})
	sink.Notify(Event{Dimensions: []string{"ip"}, DeniedDimension: "ip"})
	sink.Notify(Event{Dimensions: []string{"ip"}, Allowed: true, Degraded: true})
	sink.Collectors().SetActiveKeys("ip", 42)

	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c := sink.Collectors()
	if got := testutil.ToFloat64(c.dimensionChecks.WithLabelValues("ip")); got != 3 {
		t.Errorf("Expected 3 ip checks, got %v", got)
	}
	if got := testutil.ToFloat64(c.dimensionBlocks.WithLabelValues("ip")); got != 1 {
		t.Errorf("Expected 1 ip block, got %v", got)
	}
	if got := testutil.ToFloat64(c.decisions.WithLabelValues("allowed")); got != 2 {
		t.Errorf("Expected 2 allowed decisions, got %v", got)
	}
	if got := testutil.ToFloat64(c.degraded); got != 1 {
		t.Errorf("Expected 1 degraded, got %v", got)
	}
	if got := testutil.ToFloat64(c.activeKeys.WithLabelValues("ip")); got != 42 {
		t.Errorf("Expected 42 active keys, got %v", got)
	}

	expected := `
# HELP test_decisions_total Total number of tracked requests by result
# TYPE test_decisions_total counter
test_decisions_total{result="allowed"} 2
test_decisions_total{result="blocked"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_decisions_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestSink_NotifyNeverBlocks(t *testing.T) {
	sink, _ := newTestSink(t, Config{BufferSize: 1})
	defer sink.Close()

	// Hold the aggregate lock so the worker stalls on its first event.
	sink.mu.Lock()
	start := time.Now()
	for i := 0; i < 1000; i++ {
		sink.Notify(Event{Dimensions: []string{"ip"}, Allowed: true})
	}
	elapsed := time.Since(start)
	sink.mu.Unlock()

	if elapsed > 100*time.Millisecond {
		t.Errorf("Expected Notify not to block, took %v", elapsed)
	}
	if sink.Snapshot().Dropped == 0 {
		t.Error("Expected some events to be dropped")
	}
}

func TestSink_NotifyAfterClose(t *testing.T) {
	sink, _ := newTestSink(t, Config{})
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sink.Notify(Event{Allowed: true}) {
		t.Error("Expected Notify after Close to report false")
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestSink_ScheduledExport(t *testing.T) {
	var mu sync.Mutex
	var exported []Snapshot
	exporter := ExporterFunc(func(_ context.Context, snap Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		exported = append(exported, snap)
		return nil
	})

	sink, _ := newTestSink(t, Config{FlushInterval: time.Second, Exporter: exporter})
	sink.Notify(Event{Dimensions: []string{"user"}, Allowed: true})

	time.Sleep(1500 * time.Millisecond)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// One scheduled export plus the final one from Close.
	if len(exported) < 2 {
		t.Fatalf("Expected at least 2 exports, got %d", len(exported))
	}
	if last := exported[len(exported)-1]; last.Total != 1 {
		t.Errorf("Expected final snapshot total 1, got %d", last.Total)
	}
}

func TestLogExporter(t *testing.T) {
	if err := (LogExporter{}).Export(context.Background(), Snapshot{Total: 1}); err != nil {
		t.Errorf("Export failed: %v", err)
	}
}

func BenchmarkSink_Notify(b *testing.B) {
	sink, err := NewSink(Config{BufferSize: 1 << 16})
	if err != nil {
		b.Fatalf("NewSink failed: %v", err)
	}
	defer sink.Close()

	e := Event{Dimensions: []string{"ip", "user"}, Allowed: true, Latency: time.Microsecond}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			sink.Notify(e)
		}
	})
}
