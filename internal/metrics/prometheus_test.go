package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value gathers reg and returns the gauge or counter value of the series
// carrying exactly labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if labels[l.GetName()] != l.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no series %s%v", name, labels)
	return 0
}

func TestPrometheusServiceStateIsExclusive(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.ServiceState("redis", "initializing")
	p.ServiceState("redis", "running")

	assert.Equal(t, 1.0, value(t, reg, "tend_service_state", map[string]string{"service": "redis", "state": "running"}))
	assert.Equal(t, 0.0, value(t, reg, "tend_service_state", map[string]string{"service": "redis", "state": "initializing"}))
}

func TestPrometheusHookRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.HookRun("redis", "init", true, time.Millisecond)
	p.HookRun("redis", "init", false, time.Millisecond)
	p.HookRun("redis", "init", false, time.Millisecond)

	assert.Equal(t, 1.0, value(t, reg, "tend_hook_runs_total", map[string]string{"service": "redis", "hook": "init", "result": "ok"}))
	assert.Equal(t, 2.0, value(t, reg, "tend_hook_runs_total", map[string]string{"service": "redis", "hook": "init", "result": "failed"}))
}

func TestPrometheusForget(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.Tick("redis")
	p.Tick("nginx")
	p.Forget("redis")

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "service" {
					assert.NotEqual(t, "redis", l.GetValue(), "series for %s survived Forget", mf.GetName())
				}
			}
		}
	}
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, Nop{}, OrNop(nil))
	p := NewPrometheus(prometheus.NewRegistry())
	assert.Same(t, p, OrNop(p))
}
