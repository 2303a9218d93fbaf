package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"uk.co.dudmesh.crosspost/internal/model"
)

const namespace = "crosspost"

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Metrics struct {
	targetResults *prometheus.CounterVec
	jobs          *prometheus.CounterVec
}

// New registers the crosspost counters with reg, which is normally
// prometheus.DefaultRegisterer so they are served alongside the echo metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		targetResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_results_total",
			Help:      "Settled platform results by platform and outcome.",
		}, []string{"platform", "outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Deferred jobs that reached a terminal status.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{m.targetResults, m.jobs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveResult(platform string, result model.TargetResult) {
	outcome := OutcomeFailure
	if result.Success {
		outcome = OutcomeSuccess
	}
	m.targetResults.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) ObserveJob(job *model.Job) {
	m.jobs.WithLabelValues(string(job.Status)).Inc()
}
