package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	if c.registry == nil {
		t.Error("registry is nil")
	}

	if c.TailResetEvents == nil {
		t.Error("TailResetEvents is nil")
	}

	if c.SupervisorState == nil {
		t.Error("SupervisorState is nil")
	}

	if c.OverlayRequests == nil {
		t.Error("OverlayRequests is nil")
	}
}

func TestTailMetrics(t *testing.T) {
	c := NewCollector()

	c.TailLinesRead.Add(12)
	c.TailResetEvents.WithLabelValues("yaw").Inc()
	c.TailResetEvents.WithLabelValues("yaw").Inc()
	c.TailCurrentCount.Set(2)

	metric := &dto.Metric{}
	if err := c.TailResetEvents.WithLabelValues("yaw").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected 2, got %f", metric.Counter.GetValue())
	}

	if got := testutil.ToFloat64(c.TailLinesRead); got != 12 {
		t.Errorf("Expected 12 lines, got %f", got)
	}

	if got := testutil.ToFloat64(c.TailCurrentCount); got != 2 {
		t.Errorf("Expected count 2, got %f", got)
	}
}

func TestSupervisorMetrics(t *testing.T) {
	c := NewCollector()

	c.SupervisorState.WithLabelValues("tail").Set(1)
	c.SupervisorReconnects.WithLabelValues("tail", "rotated").Inc()
	c.SupervisorConnectAttempts.WithLabelValues("tail", "failed").Add(3)

	metric := &dto.Metric{}
	if err := c.SupervisorState.WithLabelValues("tail").(prometheus.Gauge).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Gauge.GetValue() != 1 {
		t.Errorf("Expected 1, got %f", metric.Gauge.GetValue())
	}

	if got := testutil.ToFloat64(c.SupervisorConnectAttempts.WithLabelValues("tail", "failed")); got != 3 {
		t.Errorf("Expected 3 failed attempts, got %f", got)
	}
}

func TestSystemMetrics(t *testing.T) {
	c := NewCollector()

	c.collectSystemMetrics()

	metric := &dto.Metric{}
	if err := c.SystemGoroutines.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("Expected positive goroutine count, got %f", metric.Gauge.GetValue())
	}

	if err := c.SystemMemAlloc.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("Expected positive memory allocation, got %f", metric.Gauge.GetValue())
	}
}

func TestStartStop(t *testing.T) {
	c := NewCollector()

	if c.started {
		t.Error("Collector should not be started initially")
	}

	c.Start()
	c.Start()

	if !c.started {
		t.Error("Collector should be started after Start()")
	}

	time.Sleep(50 * time.Millisecond)

	c.Stop()
	c.Stop()

	if c.started {
		t.Error("Collector should not be started after Stop()")
	}
}

func TestRegistryGather(t *testing.T) {
	c := NewCollector()
	c.ConfigReloads.WithLabelValues("success").Inc()
	c.OverlayConnected.Set(1)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}

	for _, name := range []string{"resettime_vrconfig_reloads_total", "resettime_overlay_connected"} {
		if !found[name] {
			t.Errorf("Expected metric %s to be registered", name)
		}
	}
}
