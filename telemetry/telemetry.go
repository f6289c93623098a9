package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures events emitted by the connection layer.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with acquisition and lifecycle paths.
type Collector interface {
	ConnectionOpened(kind string)
	ConnectionReleased(kind string)
	ValidationFailure(kind string)
	SharedReset(kind string)
	StateTransition(from, to string)
	AcquireLatency(kind string, seconds float64)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ConnectionOpened(string)        {}
func (noopCollector) ConnectionReleased(string)      {}
func (noopCollector) ValidationFailure(string)       {}
func (noopCollector) SharedReset(string)             {}
func (noopCollector) StateTransition(string, string) {}
func (noopCollector) AcquireLatency(string, float64) {}

// PrometheusCollector exposes connection metrics via Prometheus.
type PrometheusCollector struct {
	opened      *prometheus.CounterVec
	released    *prometheus.CounterVec
	validation  *prometheus.CounterVec
	resets      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	acquire     *prometheus.HistogramVec
}

var (
	metricsMu         sync.Mutex
	openedCounter     *prometheus.CounterVec
	releasedCounter   *prometheus.CounterVec
	validationCounter *prometheus.CounterVec
	resetCounter      *prometheus.CounterVec
	transitionCounter *prometheus.CounterVec
	acquireHistogram  *prometheus.HistogramVec
)

// registerVec registers vec with reg and returns the registered instance,
// reusing a collector of the same shape when one is already present.
func registerVec[T prometheus.Collector](reg prometheus.Registerer, vec T) (T, error) {
	if err := reg.Register(vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return vec, nil
}

// NewPrometheusCollector registers the connection metrics with the provided
// registerer. Repeated calls reuse the metric vectors created by the first.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	metricsMu.Lock()
	defer metricsMu.Unlock()

	if openedCounter == nil {
		vec, err := registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redwire_connections_opened_total",
			Help: "Number of logical connections handed out, per connection kind.",
		}, []string{"kind"}))
		if err != nil {
			return nil, err
		}
		openedCounter = vec
	}
	if releasedCounter == nil {
		vec, err := registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redwire_connections_released_total",
			Help: "Number of logical connections given back, per connection kind.",
		}, []string{"kind"}))
		if err != nil {
			return nil, err
		}
		releasedCounter = vec
	}
	if validationCounter == nil {
		vec, err := registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redwire_connection_validation_failures_total",
			Help: "Number of liveness probes that failed on shared connections.",
		}, []string{"kind"}))
		if err != nil {
			return nil, err
		}
		validationCounter = vec
	}
	if resetCounter == nil {
		vec, err := registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redwire_shared_connection_resets_total",
			Help: "Number of times a shared connection was dropped and recreated.",
		}, []string{"kind"}))
		if err != nil {
			return nil, err
		}
		resetCounter = vec
	}
	if transitionCounter == nil {
		vec, err := registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redwire_factory_state_transitions_total",
			Help: "Number of factory lifecycle transitions, per edge.",
		}, []string{"from", "to"}))
		if err != nil {
			return nil, err
		}
		transitionCounter = vec
	}
	if acquireHistogram == nil {
		vec, err := registerVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redwire_connection_acquire_seconds",
			Help:    "Latency of connection acquisitions, per connection kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}))
		if err != nil {
			return nil, err
		}
		acquireHistogram = vec
	}

	return &PrometheusCollector{
		opened:      openedCounter,
		released:    releasedCounter,
		validation:  validationCounter,
		resets:      resetCounter,
		transitions: transitionCounter,
		acquire:     acquireHistogram,
	}, nil
}

// ConnectionOpened counts a handed-out connection.
func (p *PrometheusCollector) ConnectionOpened(kind string) {
	if p == nil || p.opened == nil {
		return
	}
	p.opened.WithLabelValues(kind).Inc()
}

// ConnectionReleased counts a returned connection.
func (p *PrometheusCollector) ConnectionReleased(kind string) {
	if p == nil || p.released == nil {
		return
	}
	p.released.WithLabelValues(kind).Inc()
}

// ValidationFailure counts a failed liveness probe.
func (p *PrometheusCollector) ValidationFailure(kind string) {
	if p == nil || p.validation == nil {
		return
	}
	p.validation.WithLabelValues(kind).Inc()
}

// SharedReset counts a dropped and recreated shared connection.
func (p *PrometheusCollector) SharedReset(kind string) {
	if p == nil || p.resets == nil {
		return
	}
	p.resets.WithLabelValues(kind).Inc()
}

// StateTransition counts one lifecycle edge.
func (p *PrometheusCollector) StateTransition(from, to string) {
	if p == nil || p.transitions == nil {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

// AcquireLatency records the duration of a single acquisition.
func (p *PrometheusCollector) AcquireLatency(kind string, seconds float64) {
	if p == nil || p.acquire == nil {
		return
	}
	p.acquire.WithLabelValues(kind).Observe(seconds)
}
