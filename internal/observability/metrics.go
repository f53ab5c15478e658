package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the counters exported by the selector service.
type Metrics struct {
	cycles          *prometheus.CounterVec
	planned         *prometheus.CounterVec
	deferred        prometheus.Counter
	outcomes        *prometheus.CounterVec
	backendFailures *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_select_cycles_total",
		Help: "Total planning cycles by result.",
	}, []string{"result"})
	planned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_select_planned_tests_total",
		Help: "Total planned tests by selection reason.",
	}, []string{"reason"})
	deferred := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_select_deferred_tests_total",
		Help: "Total tests deferred for lack of budget.",
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_select_test_outcomes_total",
		Help: "Total test executions by outcome.",
	}, []string{"outcome"})
	backendFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_select_backend_failures_total",
		Help: "Total analysis backend failures by type.",
	}, []string{"type"})
	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "delta_select_cycle_duration_seconds",
		Help:    "Wall time of planning cycles.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	cycles = registerCounterVec(registerer, cycles)
	planned = registerCounterVec(registerer, planned)
	outcomes = registerCounterVec(registerer, outcomes)
	backendFailures = registerCounterVec(registerer, backendFailures)
	deferred = registerCollector(registerer, deferred)
	cycleDuration = registerCollector(registerer, cycleDuration)

	return &Metrics{
		cycles:          cycles,
		planned:         planned,
		deferred:        deferred,
		outcomes:        outcomes,
		backendFailures: backendFailures,
		cycleDuration:   cycleDuration,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncCycle(result string) {
	if m == nil || m.cycles == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) AddPlanned(reason string, n int) {
	if m == nil || m.planned == nil || n <= 0 {
		return
	}
	m.planned.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) AddDeferred(n int) {
	if m == nil || m.deferred == nil || n <= 0 {
		return
	}
	m.deferred.Add(float64(n))
}

func (m *Metrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncBackendFailure(kind string) {
	if m == nil || m.backendFailures == nil {
		return
	}
	m.backendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}
