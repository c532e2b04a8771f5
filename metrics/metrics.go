package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

/*
Labels and so on for metrics used by the offline cache.
*/

const (
	LabelOutcome = "outcome"
	LabelSuccess = "success"
)

type Metrics struct {
	// Requests handled by a worker, by decision outcome
	Requests *prometheus.CounterVec
	// Duration of network fetches made for cache misses
	FetchDuration *prometheus.HistogramVec
	// Assets that could not be cached during install
	PopulateFailures prometheus.Counter
	// Stale generations removed during activation
	GenerationsDeleted *prometheus.CounterVec
	// Opportunistic cache writes
	StoreWrites *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "requests_total",
			Help:      "Requests handled, by outcome of the cache-or-fetch decision.",
		}, []string{LabelOutcome}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "offline_cache",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of network fetches on cache miss, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelSuccess}),
		PopulateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "populate_failures_total",
			Help:      "Manifest assets that failed to cache during install.",
		}),
		GenerationsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "generations_deleted_total",
			Help:      "Stale cache generations deleted during activation.",
		}, []string{LabelSuccess}),
		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "store_writes_total",
			Help:      "Opportunistic cache writes of network responses.",
		}, []string{LabelSuccess}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.FetchDuration, m.PopulateFailures, m.GenerationsDeleted, m.StoreWrites)
	}
	return m
}

func Success(err error) string {
	return strconv.FormatBool(err == nil)
}
