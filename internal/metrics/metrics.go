package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callendar"

// Failure kinds recorded per user.
const (
	FailureCredentialExpired = "credential_expired"
	FailureProvider          = "provider_error"
	FailureDispatch          = "dispatch_error"
)

// Collectors holds the alerting metrics. A nil *Collectors is a valid no-op.
type Collectors struct {
	cyclesTotal     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	callsPlaced     prometheus.Counter
	callsFailed     prometheus.Counter
	duplicateAlerts prometheus.Counter
	userFailures    *prometheus.CounterVec
	usersProcessed  prometheus.Counter
}

// NewCollectors registers the alerting metrics with the registerer.
func NewCollectors(registerer prometheus.Registerer) *Collectors {
	factory := promauto.With(registerer)
	return &Collectors{
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Total number of alert cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Duration of alert cycles",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		callsPlaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "calls_placed_total",
			Help:      "Total number of reminder calls accepted by the provider",
		}),
		callsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "calls_failed_total",
			Help:      "Total number of reminder calls the provider did not accept",
		}),
		duplicateAlerts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "duplicate_records_total",
			Help:      "Total number of ledger inserts that found an existing record",
		}),
		userFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "user_failures_total",
			Help:      "Total number of per-user failures by kind",
		}, []string{"kind"}),
		usersProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "users_processed_total",
			Help:      "Total number of eligible users visited by alert cycles",
		}),
	}
}

// ObserveCycle records a finished cycle.
func (c *Collectors) ObserveCycle(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.cyclesTotal.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(duration.Seconds())
}

// CallPlaced counts an accepted call.
func (c *Collectors) CallPlaced() {
	if c == nil {
		return
	}
	c.callsPlaced.Inc()
}

// CallFailed counts a rejected call.
func (c *Collectors) CallFailed() {
	if c == nil {
		return
	}
	c.callsFailed.Inc()
}

// DuplicateAlert counts a ledger insert that lost a race.
func (c *Collectors) DuplicateAlert() {
	if c == nil {
		return
	}
	c.duplicateAlerts.Inc()
}

// UserFailure counts a per-user failure of the given kind.
func (c *Collectors) UserFailure(kind string) {
	if c == nil {
		return
	}
	c.userFailures.WithLabelValues(kind).Inc()
}

// UserProcessed counts a visited user.
func (c *Collectors) UserProcessed() {
	if c == nil {
		return
	}
	c.usersProcessed.Inc()
}
