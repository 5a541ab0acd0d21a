package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementViolation("activities", "insert_secured")
	m.IncrementViolation("activities", "insert_secured")
	m.ObserveRegistrySave("sqlite", 0.01, nil)
	m.ObserveRegistrySave("sqlite", 0.01, errors.New("boom"))
	m.SetRegisteredMappings(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SecurityViolations.WithLabelValues("activities", "insert_secured")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistrySaves.WithLabelValues("sqlite", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistrySaves.WithLabelValues("sqlite", "error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.MappingsCurrent))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementViolation("c", "op")
		m.IncrementTransform("identity", "storage")
		m.IncrementSecuredOperation("c", "op", nil)
		m.ObserveRegistrySave("sqlite", 1, nil)
		m.ObserveRegistryLoad("sqlite", 1, nil)
		m.SetRegisteredMappings(1)
	})
}
