// Package coordinator orchestrates distributions: compute the match from a
// frozen ledger snapshot, reserve it from the round pool, flip the record to
// committed, and stage the payout — at most once per (round, project).
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grantmatch/qf-engine/src/ledger"
	"github.com/grantmatch/qf-engine/src/matching"
	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store is the storage contract for distribution records, the pool
// reservation, and the payout outbox. CommitDistribution is the single
// atomic step of the state machine: status check, pool increment, committed
// flag, and outbox insert succeed or fail together, and the pool increment
// must itself enforce allocated + match <= total (single-row predicate or
// compare-and-set), since projects in one round race for the same pool.
type Store interface {
	GetDistribution(ctx context.Context, roundID, projectID string) (model.DistributionRecord, error)
	ComputedDistributions(ctx context.Context, limit int) ([]model.DistributionRecord, error)
	PutComputed(ctx context.Context, roundID, projectID string, match uint64) error
	CommitDistribution(ctx context.Context, roundID, projectID string, match uint64, payout model.PayoutRequest) error
	SetPayoutConfirmed(ctx context.Context, roundID, projectID, txRef string) error
	PendingPayouts(ctx context.Context, limit int) ([]model.PayoutRequest, error)
	MarkPayoutSent(ctx context.Context, id string) error
	ReconcileAllocations(ctx context.Context) error
}

type Coordinator struct {
	store  Store
	ledger *ledger.Ledger
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(store Store, lgr *ledger.Ledger, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		ledger: lgr,
		logger: logger.Named("coordinator"),
		locks:  map[string]*sync.Mutex{},
	}
}

// lockKey serializes work per (round, project). Distributions for other keys
// proceed unblocked, and ledger ingestion is never behind these locks.
func (c *Coordinator) lockKey(roundID, projectID string) func() {
	key := roundID + "\x00" + projectID
	c.mu.Lock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	c.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// RequestDistribution runs the none -> computed -> committed state machine
// for one project and returns the committed match amount.
//
// A record already committed fails with ErrAlreadyDistributed and changes
// nothing. A record left at computed by an earlier ErrInsufficientPoolBalance
// keeps its frozen match on retry: contributions that arrived between compute
// and commit do not grow a match already slated for distribution. A project
// with no weighted contributions commits at match 0 with no pool mutation
// and no payout.
func (c *Coordinator) RequestDistribution(ctx context.Context, roundID, projectID string) (uint64, error) {
	unlock := c.lockKey(roundID, projectID)
	defer unlock()

	record, err := c.store.GetDistribution(ctx, roundID, projectID)
	if err != nil {
		return 0, errors.Wrapf(model.ErrStorageUnavailable, "reading distribution %s/%s: %v", roundID, projectID, err)
	}
	if record.Status == model.DistributionStatusCommitted {
		c.logger.Warn("rejecting repeat distribution",
			zap.String("round", roundID), zap.String("project", projectID))
		return 0, errors.Wrapf(model.ErrAlreadyDistributed, "distribution %s/%s", roundID, projectID)
	}

	match := record.MatchAmount
	if record.Status != model.DistributionStatusComputed {
		snapshot, err := c.ledger.Snapshot(ctx, roundID, projectID)
		if err != nil {
			return 0, err
		}
		match = matching.CalculateMatch(snapshot)
		if err := c.store.PutComputed(ctx, roundID, projectID, match); err != nil {
			return 0, wrapStoreErr(err, roundID, projectID)
		}
		c.logger.Info("computed match",
			zap.String("round", roundID), zap.String("project", projectID),
			zap.Uint64("match", match), zap.Int("donors", len(snapshot)))
	}

	payout := model.PayoutRequest{
		ID:        uuid.NewString(),
		RoundID:   roundID,
		ProjectID: projectID,
		Amount:    match,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CommitDistribution(ctx, roundID, projectID, match, payout); err != nil {
		if errors.Is(err, model.ErrInsufficientPoolBalance) {
			c.logger.Warn("pool cannot cover match, leaving distribution at computed",
				zap.String("round", roundID), zap.String("project", projectID),
				zap.Uint64("match", match))
			return 0, err
		}
		return 0, wrapStoreErr(err, roundID, projectID)
	}
	distributionsCommitted.Inc()
	matchCommitted.Add(float64(match))
	c.logger.Info("committed distribution",
		zap.String("round", roundID), zap.String("project", projectID),
		zap.Uint64("match", match),
		zap.Float64("match_display", float64(match)/model.DigitMultiplier))
	return match, nil
}

// PendingDistributions lists records parked at computed, awaiting a
// successful commit. The pipeline re-requests these every pass; reading them
// from storage keeps pool-blocked requests alive across restarts.
func (c *Coordinator) PendingDistributions(ctx context.Context, limit int) ([]model.DistributionRecord, error) {
	parked, err := c.store.ComputedDistributions(ctx, limit)
	if err != nil {
		return nil, errors.Wrapf(model.ErrStorageUnavailable, "listing computed distributions: %v", err)
	}
	return parked, nil
}

// Recompute discards an uncommitted match so the next request computes from
// a fresh snapshot. Explicit opt-in; a committed record stays immutable.
func (c *Coordinator) Recompute(ctx context.Context, roundID, projectID string) (uint64, error) {
	unlock := c.lockKey(roundID, projectID)
	defer unlock()

	record, err := c.store.GetDistribution(ctx, roundID, projectID)
	if err != nil {
		return 0, errors.Wrapf(model.ErrStorageUnavailable, "reading distribution %s/%s: %v", roundID, projectID, err)
	}
	if record.Status == model.DistributionStatusCommitted {
		return 0, errors.Wrapf(model.ErrAlreadyDistributed, "distribution %s/%s", roundID, projectID)
	}
	snapshot, err := c.ledger.Snapshot(ctx, roundID, projectID)
	if err != nil {
		return 0, err
	}
	match := matching.CalculateMatch(snapshot)
	if err := c.store.PutComputed(ctx, roundID, projectID, match); err != nil {
		return 0, wrapStoreErr(err, roundID, projectID)
	}
	return match, nil
}

// RecordPayoutConfirmed attaches the external transfer reference reported by
// the payout collaborator. Financial invariants were finalized at commit;
// this is bookkeeping only.
func (c *Coordinator) RecordPayoutConfirmed(ctx context.Context, roundID, projectID, txRef string) error {
	if err := c.store.SetPayoutConfirmed(ctx, roundID, projectID, txRef); err != nil {
		return wrapStoreErr(err, roundID, projectID)
	}
	c.logger.Info("payout confirmed",
		zap.String("round", roundID), zap.String("project", projectID),
		zap.String("tx_ref", txRef))
	return nil
}

// Recover reconciles pool allocations with committed records after a crash.
// With a transactional store the partial state is unreachable and this is a
// no-op; with anything weaker it rolls back reservations that never reached
// committed.
func (c *Coordinator) Recover(ctx context.Context) error {
	if err := c.store.ReconcileAllocations(ctx); err != nil {
		return errors.Wrapf(model.ErrStorageUnavailable, "reconciling pool allocations: %v", err)
	}
	c.logger.Info("pool allocations reconciled with committed distributions")
	return nil
}

func wrapStoreErr(err error, roundID, projectID string) error {
	if model.IsValidation(err) || model.IsTerminal(err) || model.IsRetriable(err) {
		return err
	}
	return errors.Wrapf(model.ErrStorageUnavailable, "%s/%s: %v", roundID, projectID, err)
}
