package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the training collectors. Each instance owns its registry so
// several trainers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	steps        *prometheus.CounterVec
	loss         *prometheus.GaugeVec
	accuracy     *prometheus.GaugeVec
	mutations    prometheus.Counter
	edges        prometheus.Gauge
	uniqueHidden prometheus.Gauge
	stepDuration prometheus.Histogram
	greedyLoss   prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebrain_train_steps_total",
			Help: "Training steps by outcome",
		}, []string{"outcome"}),
		loss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgebrain_loss",
			Help: "Mean cross-entropy loss of the current model",
		}, []string{"split"}),
		accuracy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgebrain_accuracy",
			Help: "Accuracy of the current model",
		}, []string{"split"}),
		mutations: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgebrain_accepted_mutations_total",
			Help: "Greedy mutations applied by accepted steps",
		}),
		edges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgebrain_edges",
			Help: "Edge count of the current model",
		}),
		uniqueHidden: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgebrain_unique_hidden_nodes",
			Help: "Distinct hidden activation patterns on the last training batch",
		}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgebrain_step_duration_seconds",
			Help:    "Wall time of one training step",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}),
		greedyLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgebrain_candidate_loss",
			Help:    "Loss of each greedily mutated candidate",
			Buckets: prometheus.LinearBuckets(0, 0.1, 25),
		}),
	}
}

// StepObservation is what one trainer step reports.
type StepObservation struct {
	Accepted       bool
	Loss           float64
	Accuracy       float64
	TestLoss       float64
	TestAccuracy   float64
	Mutations      int
	Edges          int
	UniqueHidden   int
	CandidateLoss  []float64
	Duration       time.Duration
	HasTestMetrics bool
}

func (m *Metrics) ObserveStep(obs StepObservation) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if obs.Accepted {
		outcome = "accepted"
		m.mutations.Add(float64(obs.Mutations))
	}
	m.steps.WithLabelValues(outcome).Inc()
	m.loss.WithLabelValues("train").Set(obs.Loss)
	m.accuracy.WithLabelValues("train").Set(obs.Accuracy)
	if obs.HasTestMetrics {
		m.loss.WithLabelValues("test").Set(obs.TestLoss)
		m.accuracy.WithLabelValues("test").Set(obs.TestAccuracy)
	}
	m.edges.Set(float64(obs.Edges))
	m.uniqueHidden.Set(float64(obs.UniqueHidden))
	for _, l := range obs.CandidateLoss {
		m.greedyLoss.Observe(l)
	}
	m.stepDuration.Observe(obs.Duration.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
