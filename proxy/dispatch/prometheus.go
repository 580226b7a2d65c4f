package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_errors_total",
			Help: "A counter for requests that could not be dispatched, by backend and failure kind.",
		},
		[]string{"backend", "kind"},
	)

	clientsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_clients_created_total",
			Help: "A counter for connection pools created, which happens whenever a backend's address changes.",
		},
		[]string{"backend"},
	)
)
