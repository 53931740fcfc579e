// Package metrics implements ports.StatsSink on top of a Prometheus
// registry, grounded on the bavix/outway example's promauto-based
// counters/gauges for a DNS forwarder. Unlike outway's package-level
// globals, collectors here are held on a struct instance so a process can
// run more than one PromStatsSink (e.g. in tests) without colliding on the
// default registry.
//
// /metrics is served by the admin HTTP layer, which is out of scope per
// spec.md §1; this package only builds the registry and collectors, and
// exposes the registry for that (external) layer to mount.
package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hydraforge/resolver/internal/ports"
)

// PromStatsSink implements ports.StatsSink, pushing periodic counter
// snapshots from the resolver core into Prometheus gauges/counters.
type PromStatsSink struct {
	registry *prom.Registry

	upstreamQueries  *prom.GaugeVec
	upstreamFailures *prom.GaugeVec
	upstreamRTT      *prom.GaugeVec
	upstreamHealthy  *prom.GaugeVec

	cacheHits    prom.Gauge
	cacheMisses  prom.Gauge
	cacheEntries prom.Gauge
	cacheHitRate prom.Gauge

	listenerQueries *prom.GaugeVec
}

// New builds a PromStatsSink with its own registry under namespace,
// registering the standard Go/process collectors alongside the
// resolver-specific ones.
func New(namespace string) *PromStatsSink {
	reg := prom.NewRegistry()
	factory := promauto.With(reg)

	s := &PromStatsSink{
		registry: reg,
		upstreamQueries: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "queries_total",
			Help: "Total queries dispatched to this upstream.",
		}, []string{"server_id"}),
		upstreamFailures: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "failures_total",
			Help: "Total failed queries for this upstream.",
		}, []string{"server_id"}),
		upstreamRTT: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "response_time_us",
			Help: "Exponential moving average response time, in microseconds.",
		}, []string{"server_id"}),
		upstreamHealthy: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "healthy",
			Help: "1 if the upstream is currently considered healthy, else 0.",
		}, []string{"server_id"}),
		cacheHits: factory.NewGauge(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total", Help: "Total cache hits.",
		}),
		cacheMisses: factory.NewGauge(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total", Help: "Total cache misses.",
		}),
		cacheEntries: factory.NewGauge(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries", Help: "Current number of cache entries.",
		}),
		cacheHitRate: factory.NewGauge(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hit_rate", Help: "Cache hit rate over its lifetime.",
		}),
		listenerQueries: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace, Subsystem: "listener", Name: "queries_total",
			Help: "Total queries served per listener protocol.",
		}, []string{"protocol"}),
	}

	_ = reg.Register(collectors.NewGoCollector())
	_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return s
}

// Registry returns the Prometheus registry backing this sink, for the
// (out-of-scope) admin HTTP layer to mount at /metrics.
func (s *PromStatsSink) Registry() *prom.Registry { return s.registry }

// PushUpstreamStats implements ports.StatsSink.
func (s *PromStatsSink) PushUpstreamStats(snaps []ports.UpstreamStatsSnapshot) {
	for _, u := range snaps {
		s.upstreamQueries.WithLabelValues(u.ServerID).Set(float64(u.TotalQueries))
		s.upstreamFailures.WithLabelValues(u.ServerID).Set(float64(u.Failures))
		s.upstreamRTT.WithLabelValues(u.ServerID).Set(u.EMAResponseUs)
		healthy := 0.0
		if u.Healthy {
			healthy = 1.0
		}
		s.upstreamHealthy.WithLabelValues(u.ServerID).Set(healthy)
	}
}

// PushCacheStats implements ports.StatsSink.
func (s *PromStatsSink) PushCacheStats(c ports.CacheStatsSnapshot) {
	s.cacheHits.Set(float64(c.Hits))
	s.cacheMisses.Set(float64(c.Misses))
	s.cacheEntries.Set(float64(c.Entries))
	s.cacheHitRate.Set(c.HitRate)
}

// PushListenerStats implements ports.StatsSink.
func (s *PromStatsSink) PushListenerStats(snaps []ports.ListenerStatsSnapshot) {
	for _, l := range snaps {
		s.listenerQueries.WithLabelValues(l.Protocol.String()).Set(float64(l.Queries))
	}
}
