package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

type (
	watchMetricsVecs struct {
		updates  *prometheus.CounterVec
		resolved *prometheus.GaugeVec
	}

	watchMetrics struct {
		resolvedUpdates prometheus.Counter
		removedUpdates  prometheus.Counter
		resolved        prometheus.Gauge
	}
)

var (
	watchVecs = watchMetricsVecs{
		updates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_watch_updates_total",
				Help: "A counter for the number of resolutions published to a backend watch.",
			},
			[]string{"backend", "kind"},
		),
		resolved: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "discovery_watch_resolved",
				Help: "A gauge which is 1 if the backend currently has a resolved address and 0 if it does not.",
			},
			[]string{"backend"},
		),
	}

	browseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_browse_errors_total",
			Help: "A counter for the number of failed mDNS browses, by service type.",
		},
		[]string{"service_type"},
	)

	ignoredEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_ignored_events_total",
			Help: "A counter for mDNS events about hostnames that are not configured.",
		},
		[]string{"service_type"},
	)

	cacheSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "discovery_cache_subscriptions",
			Help: "A gauge for the current number of cached backend subscriptions.",
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_cache_lookups_total",
			Help: "A counter for discovery cache lookups, by result.",
		},
		[]string{"result"},
	)
)

func (mv watchMetricsVecs) newWatchMetrics(backend string) watchMetrics {
	return watchMetrics{
		resolvedUpdates: mv.updates.With(prometheus.Labels{"backend": backend, "kind": "resolved"}),
		removedUpdates:  mv.updates.With(prometheus.Labels{"backend": backend, "kind": "removed"}),
		resolved:        mv.resolved.With(prometheus.Labels{"backend": backend}),
	}
}

func (mv watchMetricsVecs) unregister(backend string) {
	for _, kind := range []string{"resolved", "removed"} {
		if !mv.updates.Delete(prometheus.Labels{"backend": backend, "kind": kind}) {
			log.Warnf("unable to delete discovery_watch_updates_total metric for %s", backend)
		}
	}
	if !mv.resolved.Delete(prometheus.Labels{"backend": backend}) {
		log.Warnf("unable to delete discovery_watch_resolved metric for %s", backend)
	}
}

func (m watchMetrics) observe(addr *ResolvedAddress) {
	if addr != nil {
		m.resolvedUpdates.Inc()
		m.resolved.Set(1.0)
	} else {
		m.removedUpdates.Inc()
		m.resolved.Set(0.0)
	}
}
