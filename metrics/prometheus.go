package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aurci"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	packageChecks     *prom.CounterVec
	tasksPublished    prom.Counter
	buildOutcomes     *prom.CounterVec
	buildDuration     prom.Histogram
	resultsStored     *prom.CounterVec
	malformedMessages *prom.CounterVec
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		packageChecks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "package_checks_total",
			Help:      "Upstream package checks by result",
		}, []string{"result"}),
		tasksPublished: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_tasks_published_total",
			Help:      "Build tasks published to the build request queue",
		}),
		buildOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Processed build tasks by outcome",
		}, []string{"outcome"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of build containers",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}),
		resultsStored: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_results_total",
			Help:      "Build results handled by the result reporter",
		}, []string{"result"}),
		malformedMessages: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Deliveries that could not be decoded",
		}, []string{"queue"}),
	}
	reg.MustRegister(pr.packageChecks, pr.tasksPublished, pr.buildOutcomes, pr.buildDuration, pr.resultsStored, pr.malformedMessages)
	return pr
}

func (p *PrometheusRecorder) IncPackageCheck(result CheckResult) {
	p.packageChecks.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncTaskPublished() {
	p.tasksPublished.Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome BuildOutcome) {
	p.buildOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncResultStored(result StoreResult) {
	p.resultsStored.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncMalformedMessage(queue string) {
	p.malformedMessages.WithLabelValues(queue).Inc()
}

// NewRegistry returns a registry with the Go runtime and process collectors attached.
func NewRegistry() *prom.Registry {
	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
