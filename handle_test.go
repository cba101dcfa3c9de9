package scriptpool_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	scriptpool "github.com/scriptpool/host"
	"github.com/scriptpool/host/internal/telemetry"
	"github.com/scriptpool/host/internal/wire"
)

var (
	fakeworkerBin string
	primarydBin   string
)

// TestMain builds the fakeworker and primaryd binaries once, grounded on the
// teacher's tests/go/contract package's "go run"/"go build" driven CLI
// integration tests.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "scriptpool-bin-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	repoRoot, err := findModuleRoot()
	if err != nil {
		panic(err)
	}

	fakeworkerBin = filepath.Join(dir, "fakeworker")
	if out, err := exec.Command("go", "build", "-o", fakeworkerBin, "./cmd/fakeworker").CombinedOutput(); err != nil {
		panic("build fakeworker: " + err.Error() + "\n" + string(out))
	}

	primarydBin = filepath.Join(dir, "scriptpool-primaryd")
	buildPrimaryd := exec.Command("go", "build", "-o", primarydBin, "./cmd/scriptpool-primaryd")
	buildPrimaryd.Dir = repoRoot
	if out, err := buildPrimaryd.CombinedOutput(); err != nil {
		panic("build scriptpool-primaryd: " + err.Error() + "\n" + string(out))
	}

	os.Exit(m.Run())
}

func findModuleRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", err
		}
		dir = parent
	}
}

func TestHandleRunScriptEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := scriptpool.Start(ctx, scriptpool.Config{
		WorkerBinary:  fakeworkerBin,
		PrimaryBinary: primarydBin,
		WorkerCount:   2,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close(context.Background())

	guard, err := h.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer guard.Release()

	var logs []string
	result, err := guard.Client().RunScript(ctx, wire.RunScriptArgs{Name: "hello"}, func(level string, message any) {
		logs = append(logs, level)
	})
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if result.ReturnValue != "hello" {
		t.Fatalf("expected fakeworker to echo the script name, got %v", result.ReturnValue)
	}
	if len(logs) == 0 {
		t.Fatal("expected at least one log line before the terminal frame")
	}
}

func TestHandleRunScriptFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := scriptpool.Start(ctx, scriptpool.Config{
		WorkerBinary:  fakeworkerBin,
		PrimaryBinary: primarydBin,
		WorkerCount:   1,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close(context.Background())

	guard, err := h.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer guard.Release()

	_, err = guard.Client().RunScript(ctx, wire.RunScriptArgs{Name: "will-throw"}, nil)
	if err == nil {
		t.Fatal("expected a script failure")
	}
	if classified := scriptpool.Classify(err); classified.Kind != scriptpool.KindScriptFailed {
		t.Fatalf("expected KindScriptFailed, got %s", classified.Kind)
	}
}

func TestHandleStatusReflectsAcquireRelease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := scriptpool.Start(ctx, scriptpool.Config{
		WorkerBinary:  fakeworkerBin,
		PrimaryBinary: primarydBin,
		WorkerCount:   1,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close(context.Background())

	guard, err := h.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if s := h.Status(); s.InFlight != 1 {
		t.Fatalf("expected 1 in-flight worker, got %+v", s)
	}

	guard.Release()

	if s := h.Status(); s.Idle != 1 || s.InFlight != 0 {
		t.Fatalf("expected the released worker to sit idle, got %+v", s)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

// TestHandleMetricsObserveWorkerLifecycleAndRequests exercises the
// stdout-relayed worker lifecycle channel between scriptpool-primaryd and
// the host process: WorkersOnline must reach the worker count even though
// Fleet itself runs in a separate OS process, and a RunScript call must
// move RequestsTotal{run_script,ok} and PoolIdle.
func TestHandleMetricsObserveWorkerLifecycleAndRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	h, err := scriptpool.Start(ctx, scriptpool.Config{
		WorkerBinary:  fakeworkerBin,
		PrimaryBinary: primarydBin,
		WorkerCount:   2,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for gaugeValue(t, metrics.WorkersOnline) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("workers_online never reached 2, got %v", gaugeValue(t, metrics.WorkersOnline))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := counterVecValue(t, metrics.RequestsTotal, "run_script", "ok"); got != 0 {
		t.Fatalf("expected no run_script requests yet, got %v", got)
	}

	guard, err := h.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := guard.Client().RunScript(ctx, wire.RunScriptArgs{Name: "hello"}, nil); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	guard.Release()

	if got := counterVecValue(t, metrics.RequestsTotal, "run_script", "ok"); got != 1 {
		t.Fatalf("expected 1 successful run_script request, got %v", got)
	}
	if got := gaugeValue(t, metrics.PoolIdle); got != 1 {
		t.Fatalf("expected 1 idle worker after release, got %v", got)
	}
}
