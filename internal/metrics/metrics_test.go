package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveValidation(true, time.Second)
	m.ObserveLookup(true)
	m.ObserveResolve("fallback")
	m.ObserveGeneration("default", false)
	m.AddEvictions(3)
	m.AddRemoved("expired", 2)
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
}

func TestCounters(t *testing.T) {
	m := New(NewRegistry())

	m.ObserveLookup(true)
	m.ObserveLookup(false)
	m.ObserveLookup(false)
	m.AddEvictions(2)
	m.AddEvictions(0)
	m.ObserveHTTP("POST", "/v1/resolve", 503, time.Millisecond)

	assert.Equal(t, 1.0, counterValue(t, m.Lookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, counterValue(t, m.Lookups.WithLabelValues("miss")))
	assert.Equal(t, 2.0, counterValue(t, m.Evictions))
	assert.Equal(t, 1.0, counterValue(t, m.HTTPRequests.WithLabelValues("POST", "/v1/resolve", "5xx")))
}

func TestRegistryGathersNamespacedFamilies(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)
	m.ObserveResolve("cache")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "topicimg_resolves_total" {
			found = true
		}
	}
	assert.True(t, found)
}
