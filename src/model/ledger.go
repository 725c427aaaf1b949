package model

import "time"

type DistributionStatus string

const DigitMultiplier = 100000000 // multiplier from display units to the non-decimal base units used in the db

const ( // needs to match `distribution_status` in pg
	DistributionStatusNone      DistributionStatus = "none"
	DistributionStatusComputed  DistributionStatus = "computed"
	DistributionStatusCommitted DistributionStatus = "committed"
)

// FullWeight is the sybil weight of a fully trusted donor, in basis points.
// Weighted amounts are amount * weight / FullWeight with floor division.
const FullWeight = uint32(10000)

// ContributionMap is the per-(round, project) view handed to the matching
// engine: donor -> cumulative weighted amount.
type ContributionMap map[DonorAddr]uint64

type RoundPool struct {
	RoundID        string
	TotalFunds     uint64
	AllocatedFunds uint64
}

// Available is the unallocated remainder of the pool.
func (rp RoundPool) Available() uint64 {
	return rp.TotalFunds - rp.AllocatedFunds
}

type DistributionRecord struct {
	RoundID     string
	ProjectID   string
	Status      DistributionStatus
	MatchAmount uint64
	CommittedAt *time.Time
	TxRef       *string
}

// PayoutRequest is an outbox row handed to the on-chain submission
// collaborator. Delivery is at-least-once; the downstream payout executor
// dedupes on (RoundID, ProjectID).
type PayoutRequest struct {
	ID        string
	RoundID   string
	ProjectID string
	Amount    uint64
	CreatedAt time.Time
	Sent      bool
}
