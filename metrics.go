package statesaga

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for saga runs. A nil *Metrics
// records nothing.
type Metrics struct {
	sagasStarted  *prometheus.CounterVec
	sagasFinished *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	rollbacks     *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace and registers them with
// reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sagasStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sagas_started_total",
				Help:      "Total number of saga runs started",
			},
			[]string{"saga"},
		),
		sagasFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sagas_finished_total",
				Help:      "Total number of saga runs finished, by outcome",
			},
			[]string{"saga", "outcome"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of step invocations, by status",
			},
			[]string{"saga", "step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step invocations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"saga", "step"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks started, by error code",
			},
			[]string{"saga", "code"},
		),
	}

	collectors := []prometheus.Collector{
		m.sagasStarted,
		m.sagasFinished,
		m.steps,
		m.stepDuration,
		m.rollbacks,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sagaStarted(saga string) {
	if m == nil {
		return
	}
	m.sagasStarted.WithLabelValues(saga).Inc()
}

func (m *Metrics) sagaFinished(saga string, outcome Outcome) {
	if m == nil {
		return
	}
	m.sagasFinished.WithLabelValues(saga, outcome.String()).Inc()
}

func (m *Metrics) stepFinished(saga, step string, status StepStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(saga, step, status.String()).Inc()
	m.stepDuration.WithLabelValues(saga, step).Observe(d.Seconds())
}

func (m *Metrics) rollbackStarted(saga, code string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(saga, code).Inc()
}
