// Package metrics provides basic monitoring and metrics collection for bulkscan.
// It supports counters, gauges, and histograms with label support for tracking
// scanner throughput, recursion, scheduling and feature output.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata.
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Count     uint64
	Labels    Labels
	Timestamp time.Time
}

// Registry holds all metrics and provides collection functionality.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		enabled: true,
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	r.CounterAdd(name, 1, labels)
}

// CounterAdd adds delta to a counter metric.
func (r *Registry) CounterAdd(name string, delta float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value += delta
		metric.Count++
		metric.Timestamp = time.Now()
		return
	}
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeCounter,
		Value:     delta,
		Count:     1,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeGauge,
		Value:     value,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Histogram records a value in a histogram metric. The in-memory registry
// keeps the running sum in Value and the observation count in Count.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value += value
		metric.Count++
		metric.Timestamp = time.Now()
		return
	}
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeHistogram,
		Value:     value,
		Count:     1,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// GetMetrics returns a snapshot of all current metrics.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.metrics))
	for key, metric := range r.metrics {
		result[key] = &Metric{
			Name:      metric.Name,
			Type:      metric.Type,
			Value:     metric.Value,
			Count:     metric.Count,
			Labels:    copyLabels(metric.Labels),
			Timestamp: metric.Timestamp,
		}
	}
	return result
}

// Reset clears all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Metric)
}

// makeKey creates a unique key for a metric based on name and labels.
// Label keys are sorted so the key is stable across calls.
func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := sortedKeys(labels)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(":")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

func sortedKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// copyLabels creates a copy of labels map.
func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	result := make(Labels, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

type registryHolder struct {
	r MetricsRegistry
}

// Global registry instance.
var defaultRegistry atomic.Pointer[registryHolder]

func init() {
	defaultRegistry.Store(&registryHolder{r: NewRegistry()})
}

// SetDefault sets the default metrics registry.
func SetDefault(registry MetricsRegistry) {
	if registry == nil {
		return
	}
	defaultRegistry.Store(&registryHolder{r: registry})
}

// Default returns the default metrics registry.
func Default() MetricsRegistry {
	return defaultRegistry.Load().r
}

// SetEnabled enables or disables metrics collection on the default registry.
func SetEnabled(enabled bool) {
	Default().SetEnabled(enabled)
}

// Counter increments a counter metric on the default registry.
func Counter(name string, labels Labels) {
	Default().Counter(name, labels)
}

// CounterAdd adds delta to a counter metric on the default registry.
func CounterAdd(name string, delta float64, labels Labels) {
	Default().CounterAdd(name, delta, labels)
}

// Gauge sets a gauge metric on the default registry.
func Gauge(name string, value float64, labels Labels) {
	Default().Gauge(name, value, labels)
}

// Histogram records a histogram value on the default registry.
func Histogram(name string, value float64, labels Labels) {
	Default().Histogram(name, value, labels)
}

// GetMetrics returns all metrics from the default registry.
func GetMetrics() map[string]*Metric {
	return Default().GetMetrics()
}

// Reset clears all metrics from the default registry.
func Reset() {
	Default().Reset()
}

// Timer provides a simple way to measure execution time.
type Timer struct {
	start    time.Time
	name     string
	labels   Labels
	registry MetricsRegistry
}

// NewTimerFor creates a timer that records into registry, or the default
// registry when registry is nil.
func NewTimerFor(registry MetricsRegistry, name string, labels Labels) *Timer {
	return &Timer{
		start:    time.Now(),
		name:     name,
		labels:   labels,
		registry: registry,
	}
}

// Stop stops the timer and records the duration as a histogram.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	r := t.registry
	if r == nil {
		r = Default()
	}
	r.Histogram(t.name, duration.Seconds(), t.labels)
	return duration
}

// Predefined metric names.
const (
	// Engine metrics.
	MetricBuffersProcessed = "buffers_processed_total"
	MetricBytesProcessed   = "bytes_processed_total"
	MetricScannerDuration  = "scanner_duration_seconds"
	MetricScannerFaults    = "scanner_faults_total"
	MetricScannersDisabled = "scanners_disabled_total"
	MetricRecursions       = "recursions_total"
	MetricRecursionDenied  = "recursion_rejected_total"
	MetricMaxDepthSeen     = "max_depth_seen"
	MetricDuplicateBuffers = "duplicate_buffers_total"
	MetricDuplicateBytes   = "duplicate_bytes_total"

	// Feature recorder metrics.
	MetricFeaturesWritten    = "features_written_total"
	MetricFeaturesSuppressed = "features_suppressed_total"
	MetricFeaturesStopped    = "features_stopped_total"
	MetricCarvedObjects      = "carved_objects_total"
	MetricCarvedBytes        = "carved_bytes_total"

	// Scheduler metrics.
	MetricQueueDepth      = "queue_depth"
	MetricQueueBytes      = "queue_bytes"
	MetricWorkersActive   = "workers_active"
	MetricJobsCompleted   = "jobs_completed_total"
	MetricJobDuration     = "job_duration_seconds"
	MetricJobsInline      = "jobs_inline_total"
	MetricJobsDiscarded   = "jobs_discarded_total"
	MetricWorkerPoolSize  = "worker_pool_size"
	MetricImagePagesTotal = "image_pages_total"

	// API metrics.
	MetricHTTPRequests = "http_requests_total"
	MetricHTTPDuration = "http_request_duration_seconds"
)

// Common label keys.
const (
	LabelScanner   = "scanner"
	LabelChannel   = "channel"
	LabelDecoder   = "decoder"
	LabelReason    = "reason"
	LabelStatus    = "status"
	LabelOperation = "operation"
	LabelError     = "error"
	LabelComponent = "component"
	LabelWorker    = "worker"
)

// RecordScannerDuration records the time one scanner spent on one buffer.
func RecordScannerDuration(r MetricsRegistry, scanner string, duration time.Duration) {
	r.Histogram(MetricScannerDuration, duration.Seconds(), Labels{LabelScanner: scanner})
}

// IncrementScannerFaults increments the scanner fault counter.
func IncrementScannerFaults(r MetricsRegistry, scanner, errorType string) {
	r.Counter(MetricScannerFaults, Labels{
		LabelScanner: scanner,
		LabelError:   errorType,
	})
}

// IncrementRecursionRejected increments the rejected recursion counter.
func IncrementRecursionRejected(r MetricsRegistry, decoder, reason string) {
	r.Counter(MetricRecursionDenied, Labels{
		LabelDecoder: decoder,
		LabelReason:  reason,
	})
}
