package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var appliedContributions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qf_ledger_contributions_applied_total",
	Help: "contribution events folded into donor balances",
})

var appliedPoolFunding = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qf_ledger_pool_funding_applied_total",
	Help: "pool funding events folded into round pools",
})
