package shapefile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Query kinds recorded in the queries_total counter.
const (
	queryBound    = "bound"
	queryGeometry = "geometry"
	queryIDs      = "ids"
	queryByID     = "by_id"
)

// Metrics holds the Prometheus collectors of a store. A nil *Metrics
// records nothing.
type Metrics struct {
	Queries          *prometheus.CounterVec
	FeaturesEmitted  prometheus.Counter
	IndexBuilds      *prometheus.CounterVec
	IndexCache       *prometheus.CounterVec
	IndexBuildTiming prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil. One Metrics value may be shared by any number of stores.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shapefile",
			Subsystem: "store",
			Name:      "queries_total",
		}, []string{"kind"}),
		FeaturesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shapefile",
			Subsystem: "store",
			Name:      "features_emitted_total",
		}),
		IndexBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shapefile",
			Subsystem: "index",
			Name:      "builds_total",
		}, []string{"reason"}),
		IndexCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shapefile",
			Subsystem: "index",
			Name:      "cache_total",
		}, []string{"result"}),
		IndexBuildTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shapefile",
			Subsystem: "index",
			Name:      "build_seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Queries, m.FeaturesEmitted, m.IndexBuilds, m.IndexCache, m.IndexBuildTiming)
	}
	return m
}

func (m *Metrics) query(kind string) {
	if m != nil {
		m.Queries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) emitted(n int) {
	if m != nil && n > 0 {
		m.FeaturesEmitted.Add(float64(n))
	}
}

func (m *Metrics) built(reason string, took time.Duration) {
	if m != nil {
		m.IndexBuilds.WithLabelValues(reason).Inc()
		m.IndexBuildTiming.Observe(took.Seconds())
	}
}

func (m *Metrics) cache(result string) {
	if m != nil {
		m.IndexCache.WithLabelValues(result).Inc()
	}
}
