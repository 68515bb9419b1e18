package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("synthesis", 500)
	w.Observe("synthesis", 700)
	w.Observe("synthesis", 900)
	w.ObserveIndicator("barge_in_held")
	w.ObserveIndicator("barge_in_held")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 700 {
		t.Fatalf("TargetP95MS = %.2f, want 700", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("unexpected indicators: %+v", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAtCapacity(t *testing.T) {
	w := NewLatencyWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.Observe("oracle", v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25 (oldest sample evicted)", s.AvgMS)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage("oracle", time.Second)
	m.CallEvent("start")
	m.ProviderError("tts", "timeout")
	m.BargeIn("held")
}

func TestMetricsObserveStageFeedsWindow(t *testing.T) {
	m := NewMetrics("callscreen_observability_test")
	m.ObserveStage("oracle", 1500*time.Millisecond)
	m.BargeIn("interrupted")

	snap := m.Latency.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1500 {
		t.Fatalf("unexpected stages: %+v", snap.Stages)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "barge_in_interrupted" {
		t.Fatalf("unexpected indicators: %+v", snap.Indicators)
	}
}
