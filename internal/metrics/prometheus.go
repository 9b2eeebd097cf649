package metrics

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all bulkscan metrics
	namespace = "bulkscan"

	subsystemSystem = "system"
)

// Buckets used for *_seconds histograms. Per-buffer scanner calls are usually
// sub-millisecond, so the low end is finer than the default buckets.
var durationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

// PrometheusMetrics is a MetricsRegistry backed by Prometheus collectors.
// Vectors are created on first use of a metric name; the label names seen
// on that first use become the vector's label set.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string

	// snapshot mirrors values for GetMetrics and the status API.
	snapshot *Registry

	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime time.Time
}

// NewPrometheusMetrics creates a new Prometheus-backed registry with the
// standard Go and process collectors registered.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
		snapshot:   NewRegistry(),
		startTime:  time.Now(),
	}

	pm.memoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "memory_usage_bytes",
		Help:      "Current heap allocation in bytes",
	})
	pm.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "goroutines",
		Help:      "Number of active goroutines",
	})
	pm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "uptime_seconds",
		Help:      "Seconds since the run started",
	})

	registry.MustRegister(pm.memoryUsage, pm.goroutines, pm.uptime)

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// SetEnabled enables or disables metrics collection.
func (pm *PrometheusMetrics) SetEnabled(enabled bool) {
	pm.snapshot.SetEnabled(enabled)
}

// IsEnabled returns whether metrics collection is enabled.
func (pm *PrometheusMetrics) IsEnabled() bool {
	return pm.snapshot.IsEnabled()
}

// Counter increments a counter.
func (pm *PrometheusMetrics) Counter(name string, labels Labels) {
	pm.CounterAdd(name, 1, labels)
}

// CounterAdd adds delta to a counter. Negative deltas are ignored.
func (pm *PrometheusMetrics) CounterAdd(name string, delta float64, labels Labels) {
	if !pm.IsEnabled() || delta < 0 {
		return
	}
	pm.snapshot.CounterAdd(name, delta, labels)

	pm.mu.Lock()
	vec, ok := pm.counters[name]
	if !ok {
		names := pm.bindLabelNames(name, labels)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, names)
		if err := pm.registry.Register(vec); err != nil {
			pm.mu.Unlock()
			return
		}
		pm.counters[name] = vec
	}
	names := pm.labelNames[name]
	pm.mu.Unlock()

	if c, err := vec.GetMetricWith(promLabels(names, labels)); err == nil {
		c.Add(delta)
	}
}

// Gauge sets a gauge.
func (pm *PrometheusMetrics) Gauge(name string, value float64, labels Labels) {
	if !pm.IsEnabled() {
		return
	}
	pm.snapshot.Gauge(name, value, labels)

	pm.mu.Lock()
	vec, ok := pm.gauges[name]
	if !ok {
		names := pm.bindLabelNames(name, labels)
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, names)
		if err := pm.registry.Register(vec); err != nil {
			pm.mu.Unlock()
			return
		}
		pm.gauges[name] = vec
	}
	names := pm.labelNames[name]
	pm.mu.Unlock()

	if g, err := vec.GetMetricWith(promLabels(names, labels)); err == nil {
		g.Set(value)
	}
}

// Histogram observes a value.
func (pm *PrometheusMetrics) Histogram(name string, value float64, labels Labels) {
	if !pm.IsEnabled() {
		return
	}
	pm.snapshot.Histogram(name, value, labels)

	pm.mu.Lock()
	vec, ok := pm.histograms[name]
	if !ok {
		names := pm.bindLabelNames(name, labels)
		opts := prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}
		if strings.HasSuffix(name, "_seconds") {
			opts.Buckets = durationBuckets
		}
		vec = prometheus.NewHistogramVec(opts, names)
		if err := pm.registry.Register(vec); err != nil {
			pm.mu.Unlock()
			return
		}
		pm.histograms[name] = vec
	}
	names := pm.labelNames[name]
	pm.mu.Unlock()

	if h, err := vec.GetMetricWith(promLabels(names, labels)); err == nil {
		h.Observe(value)
	}
}

// GetMetrics returns a snapshot of all current metrics.
func (pm *PrometheusMetrics) GetMetrics() map[string]*Metric {
	return pm.snapshot.GetMetrics()
}

// Reset clears all recorded values. Registered vectors stay registered.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, v := range pm.counters {
		v.Reset()
	}
	for _, v := range pm.gauges {
		v.Reset()
	}
	for _, v := range pm.histograms {
		v.Reset()
	}
	pm.snapshot.Reset()
}

// bindLabelNames fixes the label set for name. Caller holds pm.mu.
func (pm *PrometheusMetrics) bindLabelNames(name string, labels Labels) []string {
	if names, ok := pm.labelNames[name]; ok {
		return names
	}
	names := sortedKeys(labels)
	pm.labelNames[name] = names
	return names
}

// promLabels projects labels onto the bound label names, filling gaps with "".
func promLabels(names []string, labels Labels) prometheus.Labels {
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = labels[n]
	}
	return out
}

func helpFor(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// UpdateSystemMetrics refreshes the runtime gauges.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.memoryUsage.Set(float64(m.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// StartPeriodicUpdates refreshes the system gauges every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		pm.UpdateSystemMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.UpdateSystemMetrics()
			}
		}
	}()
}
