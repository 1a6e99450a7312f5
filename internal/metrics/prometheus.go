package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tend"

// States lists every lifecycle state label so exactly one is set to 1.
var States = []string{"uninitialized", "initializing", "running", "awaiting_restart", "stopped"}

// Prometheus is the Sink backed by client_golang collectors.
type Prometheus struct {
	hookRuns         *prometheus.CounterVec
	hookDuration     *prometheus.HistogramVec
	serviceState     *prometheus.GaugeVec
	healthStatus     *prometheus.GaugeVec
	bindsUnsatisfied *prometheus.GaugeVec
	templatesChanged *prometheus.CounterVec
	restarts         *prometheus.CounterVec
	ticks            *prometheus.CounterVec
}

// NewPrometheus registers the supervisor collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		hookRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_runs_total",
			Help:      "Hook executions by service, hook and result",
		}, []string{"service", "hook", "result"}),
		hookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_duration_seconds",
			Help:      "Hook execution time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"service", "hook"}),
		serviceState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_state",
			Help:      "1 for the current lifecycle state of a service",
		}, []string{"service", "state"}),
		healthStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "Last health check status (0 ok, 1 warning, 2 critical, 3 unknown)",
		}, []string{"service"}),
		bindsUnsatisfied: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "binds_unsatisfied",
			Help:      "Number of binds currently not satisfied",
		}, []string{"service"}),
		templatesChanged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "templates_changed_total",
			Help:      "Rendered templates written because their content changed",
		}, []string{"service", "kind"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Service restarts performed",
		}, []string{"service"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Evaluation cycles per service",
		}, []string{"service"}),
	}
}

func (p *Prometheus) HookRun(service, hook string, ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.hookRuns.WithLabelValues(service, hook, result).Inc()
	p.hookDuration.WithLabelValues(service, hook).Observe(d.Seconds())
}

func (p *Prometheus) ServiceState(service, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		p.serviceState.WithLabelValues(service, s).Set(v)
	}
}

func (p *Prometheus) HealthStatus(service string, code int) {
	p.healthStatus.WithLabelValues(service).Set(float64(code))
}

func (p *Prometheus) BindsUnsatisfied(service string, n int) {
	p.bindsUnsatisfied.WithLabelValues(service).Set(float64(n))
}

func (p *Prometheus) TemplatesChanged(service, kind string, n int) {
	if n > 0 {
		p.templatesChanged.WithLabelValues(service, kind).Add(float64(n))
	}
}

func (p *Prometheus) Restart(service string) {
	p.restarts.WithLabelValues(service).Inc()
}

func (p *Prometheus) Tick(service string) {
	p.ticks.WithLabelValues(service).Inc()
}

func (p *Prometheus) Forget(service string) {
	labels := prometheus.Labels{"service": service}
	p.hookRuns.DeletePartialMatch(labels)
	p.hookDuration.DeletePartialMatch(labels)
	p.serviceState.DeletePartialMatch(labels)
	p.healthStatus.DeletePartialMatch(labels)
	p.bindsUnsatisfied.DeletePartialMatch(labels)
	p.templatesChanged.DeletePartialMatch(labels)
	p.restarts.DeletePartialMatch(labels)
	p.ticks.DeletePartialMatch(labels)
}
