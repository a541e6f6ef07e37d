package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "resettime"

// Collector provides a central place for all application metrics
type Collector struct {
	// Tail metrics
	TailLinesRead    prometheus.Counter
	TailResetEvents  *prometheus.CounterVec
	TailCurrentCount prometheus.Gauge

	// Watcher metrics
	WatcherEvents *prometheus.CounterVec

	// Supervisor metrics
	SupervisorState           *prometheus.GaugeVec
	SupervisorReconnects      *prometheus.CounterVec
	SupervisorConnectAttempts *prometheus.CounterVec

	// Config reload metrics
	ConfigReloads *prometheus.CounterVec

	// Overlay metrics
	OverlayRequests  *prometheus.CounterVec
	OverlayConnected prometheus.Gauge

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initTailMetrics()
	c.initWatcherMetrics()
	c.initSupervisorMetrics()
	c.initConfigMetrics()
	c.initOverlayMetrics()
	c.initSystemMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initTailMetrics() {
	c.TailLinesRead = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "lines_read_total",
			Help:      "Total number of complete lines read from the tracker log",
		},
	)

	c.TailResetEvents = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "reset_events_total",
			Help:      "Total number of reset events parsed, by marker kind",
		},
		[]string{"kind"},
	)

	c.TailCurrentCount = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "current_count",
			Help:      "Number of resets since the last session start",
		},
	)
}

func (c *Collector) initWatcherMetrics() {
	c.WatcherEvents = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Total number of raw file change events handled",
		},
		[]string{"stream", "kind"},
	)
}

func (c *Collector) initSupervisorMetrics() {
	c.SupervisorState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Supervisor state (0=connecting, 1=streaming)",
		},
		[]string{"stream"},
	)

	c.SupervisorReconnects = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "reconnects_total",
			Help:      "Total number of times a stream went back to connecting",
		},
		[]string{"stream", "reason"},
	)

	c.SupervisorConnectAttempts = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "connect_attempts_total",
			Help:      "Total number of open attempts",
		},
		[]string{"stream", "result"},
	)
}

func (c *Collector) initConfigMetrics() {
	c.ConfigReloads = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vrconfig",
			Name:      "reloads_total",
			Help:      "Total number of tracker config reloads",
		},
		[]string{"result"},
	)
}

func (c *Collector) initOverlayMetrics() {
	c.OverlayRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "requests_total",
			Help:      "Total number of overlay text requests by outcome",
		},
		[]string{"result"},
	)

	c.OverlayConnected = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "connected",
			Help:      "Whether the overlay connection is up (1) or down (0)",
		},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh

	// Collect system metrics every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		c.collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	close(c.stopCh)
	c.started = false
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	// Record GC pause time
	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
