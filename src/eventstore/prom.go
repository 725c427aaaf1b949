package eventstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ingestedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qf_events_ingested_total",
	Help: "events appended to the event log",
})

var duplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qf_events_duplicate_total",
	Help: "redelivered events dropped by source id dedup",
})

var ingestFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "qf_events_ingest_failures_total",
	Help: "event ingest attempts that failed on storage",
})
