package syncguard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance. If
// registry is nil, the default Prometheus registry is used.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers the standard SyncGuard metrics so
// they show up with stable help text even before the first observation.
func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counters[MetricAcquireSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncguard",
			Subsystem: "acquire",
			Name:      "success_total",
			Help:      "Total number of successful lock acquisitions",
		},
		[]string{"backend"},
	)

	p.counters[MetricAcquireContended] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncguard",
			Subsystem: "acquire",
			Name:      "contended_total",
			Help:      "Total number of attempts that found the key already locked",
		},
		[]string{"backend"},
	)

	p.counters[MetricAcquireTimeout] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncguard",
			Subsystem: "acquire",
			Name:      "timeout_total",
			Help:      "Total number of acquisitions that exhausted retries or their deadline",
		},
		[]string{"backend"},
	)

	p.histograms[MetricAcquireDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncguard",
			Subsystem: "acquire",
			Name:      "duration_seconds",
			Help:      "Time spent in the acquisition retry loop",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	p.histograms[MetricAcquireRetries] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncguard",
			Subsystem: "acquire",
			Name:      "retries",
			Help:      "Number of retries consumed before success or exhaustion",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
		},
		[]string{"backend"},
	)

	p.counters[MetricReleaseSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncguard",
			Subsystem: "release",
			Name:      "success_total",
			Help:      "Total number of successful lock releases",
		},
		[]string{"backend"},
	)

	p.counters[MetricReleaseAbsent] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncguard",
			Subsystem: "release",
			Name:      "absent_total",
			Help:      "Total number of releases that found no matching owned record",
		},
		[]string{"backend"},
	)

	p.counters[MetricDisposalReleaseError] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncguard",
			Subsystem: "disposal",
			Name:      "release_error_total",
			Help:      "Total number of automatic scope-exit releases that failed",
		},
		[]string{"backend"},
	)

	p.counters[MetricBackendErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncguard",
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Total number of backend errors by code",
		},
		[]string{"operation", "backend", "code"},
	)

	p.histograms[MetricBackendLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncguard",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)
}

// Increment increments a Prometheus counter, creating it on first use if
// it wasn't pre-registered above.
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncguard",
				Name:      name,
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value.
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "syncguard",
				Name:      name,
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram.
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "syncguard",
				Name:      name,
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram, in seconds.
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index).
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs).
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry.
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
