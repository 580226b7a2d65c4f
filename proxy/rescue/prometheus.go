package rescue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rescued = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rescued_responses_total",
		Help: "A counter for synthesized error responses, by reason and status code.",
	},
	[]string{"reason", "code"},
)
