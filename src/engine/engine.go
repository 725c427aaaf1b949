// Package engine wires the event log, ledger, and coordinator into the
// ticker-driven pipeline the service runs: drain newly ingested events into
// the ledger, route distribution requests to the coordinator, dispatch the
// payout outbox.
package engine

import (
	"context"
	"time"

	"github.com/grantmatch/qf-engine/src/coordinator"
	"github.com/grantmatch/qf-engine/src/eventstore"
	"github.com/grantmatch/qf-engine/src/ledger"
	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// applyCursor is the persisted position of the ledger-apply consumer in the
// event log.
const applyCursor = "ledger_apply"

type Engine struct {
	events *eventstore.EventStore
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
	sink   coordinator.PayoutSink
	logger *zap.Logger
}

func NewEngine(events *eventstore.EventStore, lgr *ledger.Ledger, coord *coordinator.Coordinator, sink coordinator.PayoutSink, logger *zap.Logger) *Engine {
	return &Engine{
		events: events,
		ledger: lgr,
		coord:  coord,
		sink:   sink,
		logger: logger.Named("engine"),
	}
}

func (e *Engine) StartPipeline(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("stopping pipeline, context cancelled")
			return
		case <-ticker.C:
			e.DoPipelineOnce(ctx)
		}
	}
}

func (e *Engine) DoPipelineOnce(ctx context.Context) {
	if err := e.ApplyNewEvents(ctx); err != nil {
		e.logger.Error("error applying new events", zap.Error(err))
	}
	e.retryParkedDistributions(ctx)
	if err := e.coord.DispatchOutbox(ctx, e.sink); err != nil {
		e.logger.Error("error dispatching payout outbox", zap.Error(err))
	}
}

// retryParkedDistributions re-requests every record parked at computed. The
// parked set lives in storage, not in process memory, so a request blocked on
// pool balance survives a restart and commits once the pool is topped up.
func (e *Engine) retryParkedDistributions(ctx context.Context) {
	parked, err := e.coord.PendingDistributions(ctx, 256)
	if err != nil {
		e.logger.Error("error listing parked distributions", zap.Error(err))
		return
	}
	for _, rec := range parked {
		if err := e.requestDistribution(ctx, rec.RoundID, rec.ProjectID); err != nil {
			e.logger.Error("error retrying parked distribution",
				zap.String("round", rec.RoundID), zap.String("project", rec.ProjectID),
				zap.Error(err))
		}
	}
}

// requestDistribution calls the coordinator. Terminal and validation outcomes
// are logged and dropped; a pool-blocked request stays parked at computed in
// storage and is retried every pipeline pass.
func (e *Engine) requestDistribution(ctx context.Context, roundID, projectID string) error {
	_, err := e.coord.RequestDistribution(ctx, roundID, projectID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrAlreadyDistributed):
		// a replayed request for a committed distribution is a no-op
		e.logger.Info("skipping request for committed distribution",
			zap.String("round", roundID), zap.String("project", projectID))
		return nil
	case model.IsValidation(err):
		e.logger.Error("unapplicable distribution request, dropping",
			zap.String("round", roundID), zap.String("project", projectID), zap.Error(err))
		return nil
	case errors.Is(err, model.ErrInsufficientPoolBalance):
		e.logger.Warn("distribution blocked on pool balance, will retry",
			zap.String("round", roundID), zap.String("project", projectID))
		return nil
	default:
		return err
	}
}

// ApplyNewEvents drains the event log from the persisted cursor into the
// ledger and coordinator. The cursor only advances past events that were
// handled (or are safe to skip), so a crash mid-drain replays from the last
// advanced position; both downstream layers reject the duplicates that
// replay produces.
func (e *Engine) ApplyNewEvents(ctx context.Context) error {
	from, err := e.events.Cursor(ctx, applyCursor)
	if err != nil {
		return err
	}
	last := from
	replayErr := e.events.Replay(ctx, from, func(ev model.StoredEvent) error {
		if err := e.handleEvent(ctx, ev); err != nil {
			return err
		}
		last = ev.Seq
		return nil
	})
	if last > from {
		if err := e.events.SetCursor(ctx, applyCursor, last); err != nil {
			return err
		}
	}
	return replayErr
}

func (e *Engine) handleEvent(ctx context.Context, ev model.StoredEvent) error {
	switch ev.Kind {
	case model.EventKindContribution, model.EventKindPoolFunding:
		_, err := e.ledger.Apply(ctx, ev.Event)
		if model.IsValidation(err) {
			// caller error from the indexer: alertable, never applicable, so
			// don't wedge the pipeline behind it
			e.logger.Error("unapplicable event, skipping",
				zap.String("source_id", ev.SourceID), zap.Error(err))
			return nil
		}
		return err
	case model.EventKindDistributionRequest:
		return e.requestDistribution(ctx, ev.RoundID, ev.ProjectID)
	default:
		e.logger.Error("unknown event kind in log", zap.String("source_id", ev.SourceID))
		return nil
	}
}

// Recover must run before the pipeline after a restart: it reconciles pool
// allocations with committed distribution records so a crash mid-commit is
// never observable.
func (e *Engine) Recover(ctx context.Context) error {
	return e.coord.Recover(ctx)
}

// Rebuild replays the whole event log into freshly reset derived state, the
// audit path for verifying that derived balances equal the log. The store
// must have been reset by the caller; registrations are kept.
func (e *Engine) Rebuild(ctx context.Context) (int64, error) {
	var count int64
	err := e.events.Replay(ctx, 0, func(ev model.StoredEvent) error {
		if ev.Kind == model.EventKindDistributionRequest {
			return nil // distribution state is not derived; reconciled below
		}
		if _, err := e.ledger.Apply(ctx, ev.Event); err != nil {
			if model.IsValidation(err) {
				e.logger.Error("unapplicable event during rebuild",
					zap.String("source_id", ev.SourceID), zap.Error(err))
				return nil
			}
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, e.coord.Recover(ctx)
}
