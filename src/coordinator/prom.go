package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var distributionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qf_distributions_committed_total",
	Help: "distributions committed",
})

var matchCommitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qf_match_committed_base_units_total",
	Help: "total match amount committed, in base units",
})

var payoutsDispatched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qf_payouts_dispatched_total",
	Help: "payout requests handed to the submission collaborator",
})
