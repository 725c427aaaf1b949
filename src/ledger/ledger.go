// Package ledger maintains the derived financial state: per-project donor
// balances and per-round pools, built exclusively from applied events. It is
// the second de-duplication layer after the event log, so a replay from an
// empty derived state and live ingestion land on the same totals.
package ledger

import (
	"context"
	"math/bits"

	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store is the storage contract for derived state. ApplyContribution and
// ApplyPoolFunding must insert the applied-marker for the source id
// atomically with the balance mutation and return false when the marker was
// already present.
type Store interface {
	RegisterRound(ctx context.Context, roundID string) error
	RegisterProject(ctx context.Context, roundID, projectID string) error
	RoundExists(ctx context.Context, roundID string) (bool, error)
	ProjectExists(ctx context.Context, roundID, projectID string) (bool, error)
	ApplyContribution(ctx context.Context, ev model.Event, weighted uint64) (bool, error)
	ApplyPoolFunding(ctx context.Context, ev model.Event) (bool, error)
	Snapshot(ctx context.Context, roundID, projectID string) (model.ContributionMap, error)
	GetPool(ctx context.Context, roundID string) (model.RoundPool, error)
}

type Ledger struct {
	store   Store
	weights WeightSource
	logger  *zap.Logger
}

func NewLedger(store Store, weights WeightSource, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:   store,
		weights: weights,
		logger:  logger.Named("ledger"),
	}
}

// Apply folds one event into the derived state. The sybil weight is read at
// apply time and the weighted amount is what persists, so later weight
// changes never retroactively alter stored balances and a match stays
// reproducible from the stored amounts alone. Returns applied=false for an
// event whose source id was applied before (replay or redelivery), with no
// state change.
func (l *Ledger) Apply(ctx context.Context, ev model.Event) (bool, error) {
	switch ev.Kind {
	case model.EventKindContribution:
		return l.applyContribution(ctx, ev)
	case model.EventKindPoolFunding:
		return l.applyPoolFunding(ctx, ev)
	default:
		return false, errors.Wrapf(model.ErrInvalidEvent, "ledger cannot apply event kind %q", ev.Kind)
	}
}

func (l *Ledger) applyContribution(ctx context.Context, ev model.Event) (bool, error) {
	if err := l.checkProject(ctx, ev.RoundID, ev.ProjectID); err != nil {
		return false, err
	}
	weight, err := l.weights.Weight(ctx, ev.Account)
	if err != nil {
		return false, errors.Wrapf(model.ErrStorageUnavailable, "reading sybil weight for %s: %v", ev.Account, err)
	}
	weighted := WeightedAmount(ev.Amount, weight)
	applied, err := l.store.ApplyContribution(ctx, ev, weighted)
	if err != nil {
		return false, wrapStoreErr(err, ev.SourceID)
	}
	if !applied {
		l.logger.Info("skipping already-applied contribution", zap.String("source_id", ev.SourceID))
		return false, nil
	}
	appliedContributions.Inc()
	l.logger.Debug("applied contribution",
		zap.String("source_id", ev.SourceID),
		zap.String("round", ev.RoundID),
		zap.String("project", ev.ProjectID),
		zap.Uint64("amount", ev.Amount),
		zap.Uint64("weighted", weighted))
	return true, nil
}

func (l *Ledger) applyPoolFunding(ctx context.Context, ev model.Event) (bool, error) {
	if err := l.checkRound(ctx, ev.RoundID); err != nil {
		return false, err
	}
	applied, err := l.store.ApplyPoolFunding(ctx, ev)
	if err != nil {
		return false, wrapStoreErr(err, ev.SourceID)
	}
	if !applied {
		l.logger.Info("skipping already-applied pool funding", zap.String("source_id", ev.SourceID))
		return false, nil
	}
	appliedPoolFunding.Inc()
	l.logger.Debug("applied pool funding",
		zap.String("source_id", ev.SourceID),
		zap.String("round", ev.RoundID),
		zap.Uint64("amount", ev.Amount))
	return true, nil
}

// Snapshot returns the donor -> cumulative weighted amount map for a
// project. The returned map is a copy owned by the caller.
func (l *Ledger) Snapshot(ctx context.Context, roundID, projectID string) (model.ContributionMap, error) {
	snapshot, err := l.store.Snapshot(ctx, roundID, projectID)
	if err != nil {
		return nil, wrapStoreErr(err, roundID+"/"+projectID)
	}
	return snapshot, nil
}

func (l *Ledger) Pool(ctx context.Context, roundID string) (model.RoundPool, error) {
	pool, err := l.store.GetPool(ctx, roundID)
	if err != nil {
		return model.RoundPool{}, wrapStoreErr(err, roundID)
	}
	return pool, nil
}

// RegisterRound and RegisterProject are the registration collaborator's
// surface; the engine only consumes them for existence checks.
func (l *Ledger) RegisterRound(ctx context.Context, roundID string) error {
	return l.store.RegisterRound(ctx, roundID)
}

func (l *Ledger) RegisterProject(ctx context.Context, roundID, projectID string) error {
	return l.store.RegisterProject(ctx, roundID, projectID)
}

func (l *Ledger) checkRound(ctx context.Context, roundID string) error {
	ok, err := l.store.RoundExists(ctx, roundID)
	if err != nil {
		return errors.Wrapf(model.ErrStorageUnavailable, "checking round %s: %v", roundID, err)
	}
	if !ok {
		return errors.Wrapf(model.ErrUnknownRound, "round %s", roundID)
	}
	return nil
}

func (l *Ledger) checkProject(ctx context.Context, roundID, projectID string) error {
	if err := l.checkRound(ctx, roundID); err != nil {
		return err
	}
	ok, err := l.store.ProjectExists(ctx, roundID, projectID)
	if err != nil {
		return errors.Wrapf(model.ErrStorageUnavailable, "checking project %s/%s: %v", roundID, projectID, err)
	}
	if !ok {
		return errors.Wrapf(model.ErrUnknownProject, "project %s/%s", roundID, projectID)
	}
	return nil
}

// WeightedAmount discounts amount by a sybil weight in basis points, floor
// division. 128-bit intermediate so a full uint64 amount at full weight
// can't wrap.
func WeightedAmount(amount uint64, weight uint32) uint64 {
	if weight >= model.FullWeight {
		return amount
	}
	hi, lo := bits.Mul64(amount, uint64(weight))
	q, _ := bits.Div64(hi, lo, uint64(model.FullWeight))
	return q
}

func wrapStoreErr(err error, key string) error {
	if model.IsValidation(err) || model.IsTerminal(err) || model.IsRetriable(err) {
		return err
	}
	return errors.Wrapf(model.ErrStorageUnavailable, "%s: %v", key, err)
}
