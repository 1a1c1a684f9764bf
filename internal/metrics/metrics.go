// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal counts verification decisions by resulting status.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dmrv",
		Name:      "verifications_total",
		Help:      "Verification decisions by resulting credit status.",
	}, []string{"status"})

	// CreditsCalculatedTotal counts credit calculations, split by whether an
	// existing record was returned.
	CreditsCalculatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dmrv",
		Name:      "credits_calculated_total",
		Help:      "Credit calculations by outcome (created or existing).",
	}, []string{"outcome"})

	// IrradianceFetchesTotal counts remote irradiance fetches by result.
	IrradianceFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dmrv",
		Name:      "irradiance_fetches_total",
		Help:      "Remote irradiance fetches by result (ok, no_data, error).",
	}, []string{"result"})

	// IrradianceCacheHitsTotal counts irradiance cache lookups by outcome.
	IrradianceCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dmrv",
		Name:      "irradiance_cache_lookups_total",
		Help:      "Irradiance cache lookups by outcome (hit, miss).",
	}, []string{"outcome"})

	// IrradianceFetchDuration observes remote fetch latency.
	IrradianceFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dmrv",
		Name:      "irradiance_fetch_duration_seconds",
		Help:      "Latency of NASA POWER fetches.",
		Buckets:   prometheus.DefBuckets,
	})
)
