package estimator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates engine counters. Register on any Prometheus registry;
// a nil *Metrics disables collection.
type Metrics struct {
	DaysProcessed *prometheus.CounterVec
	Resamples     *prometheus.CounterVec
	ZoneFailures  prometheus.Counter
	DaySeconds    prometheus.Histogram
}

// NewMetrics builds and registers the engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DaysProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cropcore",
			Subsystem: "estimator",
			Name:      "days_processed_total",
			Help:      "Simulated days completed, per zone.",
		}, []string{"zone"}),
		Resamples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cropcore",
			Subsystem: "estimator",
			Name:      "resamples_total",
			Help:      "Resampling events triggered by ESS degeneracy, per zone.",
		}, []string{"zone"}),
		ZoneFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cropcore",
			Subsystem: "estimator",
			Name:      "zone_failures_total",
			Help:      "Zone runs aborted by an error.",
		}),
		DaySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cropcore",
			Subsystem: "estimator",
			Name:      "day_duration_seconds",
			Help:      "Wall time per simulated day.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}
