package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for field security.
type Metrics struct {
	// Writes and reads rejected by collection policy
	SecurityViolations *prometheus.CounterVec

	// Values passed through a transformer, by strategy and direction
	Transforms *prometheus.CounterVec

	// Sanctioned collection operations
	SecuredOperations *prometheus.CounterVec

	// Registry persistence outcomes and latency
	RegistrySaves   *prometheus.CounterVec
	RegistryLoads   *prometheus.CounterVec
	SaveLatency     *prometheus.HistogramVec
	LoadLatency     *prometheus.HistogramVec
	MappingsCurrent prometheus.Gauge
}

// New registers field security metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	latencyBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		SecurityViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mallku_fieldsecurity_violations_total",
			Help: "Security violations by collection and operation",
		}, []string{"collection", "operation"}),

		Transforms: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mallku_fieldsecurity_transforms_total",
			Help: "Field transformations by strategy and direction",
		}, []string{"strategy", "direction"}), // direction: "storage", "query", "restore"

		SecuredOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mallku_fieldsecurity_secured_operations_total",
			Help: "Secured collection operations by collection, operation and outcome",
		}, []string{"collection", "operation", "outcome"}),

		RegistrySaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mallku_fieldsecurity_registry_saves_total",
			Help: "Registry saves by driver and result",
		}, []string{"driver", "result"}),

		RegistryLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mallku_fieldsecurity_registry_loads_total",
			Help: "Registry loads by driver and result",
		}, []string{"driver", "result"}),

		SaveLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mallku_fieldsecurity_registry_save_duration_seconds",
			Help:    "Duration of registry saves",
			Buckets: latencyBuckets,
		}, []string{"driver"}),

		LoadLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mallku_fieldsecurity_registry_load_duration_seconds",
			Help:    "Duration of registry loads",
			Buckets: latencyBuckets,
		}, []string{"driver"}),

		MappingsCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mallku_fieldsecurity_registry_mappings",
			Help: "Field mappings in the last saved or loaded registry",
		}),
	}
}

// IncrementViolation records a rejected operation.
func (m *Metrics) IncrementViolation(collection, operation string) {
	if m != nil {
		m.SecurityViolations.WithLabelValues(collection, operation).Inc()
	}
}

// IncrementTransform records one transformed value.
func (m *Metrics) IncrementTransform(strategy, direction string) {
	if m != nil {
		m.Transforms.WithLabelValues(strategy, direction).Inc()
	}
}

// IncrementSecuredOperation records a sanctioned collection call.
func (m *Metrics) IncrementSecuredOperation(collection, operation string, err error) {
	if m != nil {
		m.SecuredOperations.WithLabelValues(collection, operation, result(err)).Inc()
	}
}

// ObserveRegistrySave records a save outcome and its duration.
func (m *Metrics) ObserveRegistrySave(driver string, seconds float64, err error) {
	if m != nil {
		m.RegistrySaves.WithLabelValues(driver, result(err)).Inc()
		m.SaveLatency.WithLabelValues(driver).Observe(seconds)
	}
}

// ObserveRegistryLoad records a load outcome and its duration.
func (m *Metrics) ObserveRegistryLoad(driver string, seconds float64, err error) {
	if m != nil {
		m.RegistryLoads.WithLabelValues(driver, result(err)).Inc()
		m.LoadLatency.WithLabelValues(driver).Observe(seconds)
	}
}

// SetRegisteredMappings updates the mapping gauge.
func (m *Metrics) SetRegisteredMappings(n int) {
	if m != nil {
		m.MappingsCurrent.Set(float64(n))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
