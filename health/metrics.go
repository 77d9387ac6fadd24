package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MetricHealthCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rpcproxy",
		Name:      "health_cycles_total",
		Help:      "Total number of health probe cycles executed.",
	})

	MetricHealthWakesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rpcproxy",
		Name:      "health_wakes_total",
		Help:      "Total number of probe cycles triggered by a wake signal.",
	})

	MetricBackendUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rpcproxy",
		Name:      "backend_up",
		Help:      "Backend selectability: 1 for Healthy, 0.5 for Degraded, 0 for Down.",
	}, []string{"backend"})

	MetricBackendLatestBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rpcproxy",
		Name:      "backend_latest_block",
		Help:      "Latest block number observed on each backend.",
	}, []string{"backend"})

	MetricBackendLatencyMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rpcproxy",
		Name:      "backend_latency_ms",
		Help:      "Smoothed request latency per backend in milliseconds.",
	}, []string{"backend"})

	MetricBackendErrorsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rpcproxy",
		Name:      "backend_errors_total",
		Help:      "Total errors observed per backend, probes included.",
	}, []string{"backend"})

	MetricCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rpcproxy",
		Name:      "cache_entries",
		Help:      "Current number of cache entries, pending included.",
	})
)
