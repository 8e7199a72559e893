package observability

import (
	"strings"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("synthesize", 500)
	w.Observe("synthesize", 700)
	w.Observe("synthesize", 900)
	w.ObserveIndicator("synthesize_retry")
	w.ObserveIndicator("synthesize_retry")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "synthesize" || s.Samples != 3 {
		t.Fatalf("unexpected stage stats: %+v", s)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 800 || !s.OverTarget {
		t.Fatalf("target = %.2f over = %v, want 800 and true", s.TargetP95MS, s.OverTarget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("unexpected indicators: %+v", snap.Indicators)
	}
}

func TestStageWindowRingWrapsAround(t *testing.T) {
	w := newStageWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe("recognize", float64(i*100))
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	// Only 700..1000 remain.
	if s.AvgMS != 850 {
		t.Fatalf("AvgMS = %.2f, want 850", s.AvgMS)
	}
}

func TestMetricsHandlerExposesBackendCalls(t *testing.T) {
	m := NewMetrics("test_obs")
	m.ObserveBackendCall("mock", "synthesize", "ok", 120*time.Millisecond)
	m.ObserveRateLimit("speech", false)

	snap := m.SnapshotLatency()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "synthesize" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveBackendCall("mock", "synthesize", "ok", time.Millisecond)
	if got := nilMetrics.SnapshotLatency(); len(got.Stages) != 0 {
		t.Fatalf("nil metrics snapshot should be empty")
	}

	if names := gatheredNames(t, m); !strings.Contains(names, "test_obs_backend_calls_total") {
		t.Fatalf("registry missing backend_calls_total: %s", names)
	}
}

func gatheredNames(t *testing.T, m *Metrics) string {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var b strings.Builder
	for _, f := range families {
		b.WriteString(f.GetName())
		b.WriteString(" ")
	}
	return b.String()
}
