package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.AcquireOutcome("hit")
	m.RequestOutcome("run_script", "ok", 10*time.Millisecond)
	m.DialOutcome(nil)
	m.ConnectionClosed()
	m.WorkerForked()
	m.WorkerReady()
	m.WorkerExited(true)
	m.SetPoolGauges(1, 2, 3)
}

func TestMetricsRequestOutcomeCountsTimeouts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestOutcome("run_script", "timeout", 5*time.Millisecond)
	m.RequestOutcome("run_script", "ok", 5*time.Millisecond)

	if got := counterValue(t, m.RequestTimeoutsTotal); got != 1 {
		t.Fatalf("expected 1 timeout recorded, got %v", got)
	}
}

func TestMetricsDialOutcomeTracksOpenConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.DialOutcome(nil)
	m.DialOutcome(nil)
	m.DialOutcome(errors.New("boom"))
	m.ConnectionClosed()

	g := &dto.Metric{}
	if err := m.ConnectionsOpen.Write(g); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := g.GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected 1 open connection after two dials and one close, got %v", got)
	}
}

func TestMetricsWorkerLifecycleGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.WorkerReady()
	m.WorkerReady()
	m.WorkerExited(false)
	m.WorkerExited(true)

	g := &dto.Metric{}
	if err := m.WorkersOnline.Write(g); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := g.GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected workers online back to 0, got %v", got)
	}
	if got := counterValue(t, m.WorkerCrashTotal); got != 1 {
		t.Fatalf("expected 1 crash recorded, got %v", got)
	}
}
