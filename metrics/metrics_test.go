package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, CompilesTotal)
	assert.NotNil(t, CompileDuration)
	assert.NotNil(t, CollectedErrorsTotal)
	assert.NotNil(t, ModifierApplicationsTotal)
	assert.NotNil(t, CacheHitsTotal)
	assert.NotNil(t, CacheMissesTotal)
	assert.NotNil(t, CacheEvictionsTotal)
	assert.NotNil(t, RulesLoadedTotal)
}

func TestCompilesTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(CompilesTotal.WithLabelValues(ResultSuccess))
	CompilesTotal.WithLabelValues(ResultSuccess).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CompilesTotal.WithLabelValues(ResultSuccess)))
}

func TestSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "things_total",
		Help:      "test counter",
	}, []string{"kind"})
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "unrelated_total", Help: "ignored"})
	reg.MustRegister(counter, other)

	counter.WithLabelValues("b").Add(2)
	counter.WithLabelValues("a").Inc()
	other.Inc()

	samples, err := Snapshot(reg)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "sigmac_things_total{kind=a}", samples[0].Key())
	assert.Equal(t, 1.0, samples[0].Value)
	assert.Equal(t, "sigmac_things_total{kind=b}", samples[1].Key())
	assert.Equal(t, 2.0, samples[1].Value)
}
