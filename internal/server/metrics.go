package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tdva/internal/deploy"
)

// Metrics counts deployment outcomes and step transitions. It implements
// deploy.Metrics.
type Metrics struct {
	registry    *prometheus.Registry
	deployments *prometheus.CounterVec
	steps       *prometheus.CounterVec
	attempts    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tdva",
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Finished deployment attempts by mode and outcome",
		}, []string{"mode", "outcome"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tdva",
			Subsystem: "deploy",
			Name:      "step_transitions_total",
			Help:      "Step status changes by step and status",
		}, []string{"step", "status"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tdva",
			Subsystem: "deploy",
			Name:      "attempts_started_total",
			Help:      "Deployment attempts started",
		}),
	}
	m.registry.MustRegister(m.deployments, m.steps, m.attempts)
	return m
}

func (m *Metrics) Observe(u deploy.Update) {
	switch u.Kind {
	case deploy.UpdateStarted:
		m.attempts.Inc()
	case deploy.UpdateStep:
		if st, ok := u.Snapshot.Step(u.StepID); ok {
			m.steps.With(prometheus.Labels{"step": u.StepID, "status": string(st.Status)}).Inc()
		}
	case deploy.UpdateFinished:
		outcome := "failed"
		if u.Snapshot.Success {
			outcome = "succeeded"
		}
		m.deployments.With(prometheus.Labels{"mode": string(u.Snapshot.Mode), "outcome": outcome}).Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
