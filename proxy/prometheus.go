package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var routed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proxy_routed_requests_total",
		Help: "A counter for requests matched to a backend by the routing table.",
	},
	[]string{"backend"},
)
