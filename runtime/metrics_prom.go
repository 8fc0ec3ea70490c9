package runtime

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenzik_executor_executions_total",
			Help: "Total capsule executions attempted, by outcome.",
		},
		[]string{"outcome"},
	)
	executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenzik_executor_duration_ms",
			Help:    "Wall-clock duration of successful capsule executions.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	fuelUsedHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenzik_executor_fuel_used",
			Help:    "Fuel consumed by successful capsule executions.",
			Buckets: prometheus.ExponentialBuckets(100, 4, 14),
		},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal, executionDuration, fuelUsedHistogram)
}

func observeExecutionMetrics(outcome string, m *ExecMetrics) {
	executionsTotal.WithLabelValues(outcome).Inc()
	if m != nil {
		executionDuration.Observe(float64(m.DurationMS))
		fuelUsedHistogram.Observe(float64(m.FuelUsed))
	}
}
