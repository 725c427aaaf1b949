package model

import "time"

type EventKind string
type DonorAddr string

const ( // needs to match `event_kind` in pg
	EventKindContribution        EventKind = "contribution"
	EventKindPoolFunding         EventKind = "pool_funding"
	EventKindDistributionRequest EventKind = "distribution_request"
)

// Event is an externally observed, already-decoded chain event. SourceID is
// the natural idempotency key (tx hash + log index on the source chain) and
// is the sole de-duplication key for ingestion.
type Event struct {
	SourceID   string
	Kind       EventKind
	RoundID    string
	ProjectID  string    // empty for pool_funding
	Account    DonorAddr // donor for contributions, funder for pool funding
	Amount     uint64
	ObservedAt time.Time
}

// StoredEvent is an Event with its append position in the event log. Seq is
// the replay cursor; it is assigned by storage and strictly increasing in
// storage order.
type StoredEvent struct {
	Seq int64
	Event
}

func EventArrayToMap(arr []StoredEvent) map[string]StoredEvent {
	mapped := map[string]StoredEvent{}
	for _, v := range arr {
		mapped[v.SourceID] = v
	}
	return mapped
}
