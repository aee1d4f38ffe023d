// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package metrics exposes wgconfd's reconciliation cycle as Prometheus
// collectors, scraped through the debug server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups every metric the engine updates once per cycle.
type Collectors struct {
	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	PeerCount        prometheus.Gauge
	FetchSuccess     *prometheus.CounterVec
	FetchFailure     *prometheus.CounterVec
	SourceBackoff    *prometheus.GaugeVec
	DeviceApplyError *prometheus.CounterVec
}

// New registers and returns the collector set against reg. Passing a
// fresh prometheus.NewRegistry keeps tests free of global-registry
// cross-contamination; cmd/wgconfd also passes a fresh registry, which
// the debug server then serves at /metrics.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wgconfd_cycles_total",
			Help: "Total number of reconciliation cycles completed.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wgconfd_cycle_duration_seconds",
			Help:    "Wall-clock duration of a reconciliation cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		PeerCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wgconfd_peers",
			Help: "Number of peers in the last applied target peer table.",
		}),
		FetchSuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wgconfd_source_fetch_success_total",
			Help: "Successful fetches per source.",
		}, []string{"source"}),
		FetchFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wgconfd_source_fetch_failure_total",
			Help: "Failed fetches per source.",
		}, []string{"source"}),
		SourceBackoff: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wgconfd_source_backoff_seconds",
			Help: "Seconds until a source's next scheduled fetch, including any failure backoff.",
		}, []string{"source"}),
		DeviceApplyError: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wgconfd_device_apply_errors_total",
			Help: "Per-peer device sink apply failures.",
		}, []string{"reason"}),
	}
}
