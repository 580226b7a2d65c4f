package dyndns

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dyndns_updates_total",
			Help: "Total number of dynamic DNS record updates, by host and result.",
		},
		[]string{"host", "result"},
	)

	lookupErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dyndns_public_ip_lookup_errors_total",
			Help: "Total number of failed public address lookups.",
		},
	)
)
