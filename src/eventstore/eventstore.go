// Package eventstore owns the append-only log of externally observed events
// and its idempotent ingestion boundary. The indexer collaborator may
// redeliver any event; the log keeps exactly one copy per source id.
package eventstore

import (
	"context"
	"math"

	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Backend is the storage contract for the event log. InsertEvent must make
// the duplicate check and the append a single atomic operation (unique
// constraint or equivalent), never a read-then-write.
type Backend interface {
	InsertEvent(ctx context.Context, ev model.Event) (bool, error)
	ScanEvents(ctx context.Context, fromSeq int64, limit int) ([]model.StoredEvent, error)
	Cursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, seq int64) error
}

type EventStore struct {
	backend Backend
	logger  *zap.Logger
}

func NewEventStore(backend Backend, logger *zap.Logger) *EventStore {
	return &EventStore{
		backend: backend,
		logger:  logger.Named("eventstore"),
	}
}

// Ingest appends ev to the log. Returns applied=false for a redelivery of an
// already-stored source id; the caller treats that as a non-error no-op and
// drops the event. A storage failure surfaces as ErrStorageUnavailable and
// the caller retries with the same event, which is safe because of the
// dedup.
func (es *EventStore) Ingest(ctx context.Context, ev model.Event) (bool, error) {
	if ev.SourceID == "" {
		return false, errors.Wrap(model.ErrInvalidEvent, "missing source id")
	}
	switch ev.Kind {
	case model.EventKindContribution, model.EventKindPoolFunding:
		if ev.Amount == 0 {
			return false, errors.Wrapf(model.ErrInvalidEvent, "non-positive amount for event %s", ev.SourceID)
		}
		if ev.Amount > math.MaxInt64 {
			// amounts are stored in signed 64-bit columns
			return false, errors.Wrapf(model.ErrInvalidEvent, "amount for event %s exceeds the storable bound", ev.SourceID)
		}
	case model.EventKindDistributionRequest:
		// no amount on a distribution request
	default:
		return false, errors.Wrapf(model.ErrInvalidEvent, "unknown event kind %q for event %s", ev.Kind, ev.SourceID)
	}

	applied, err := es.backend.InsertEvent(ctx, ev)
	if err != nil {
		ingestFailures.Inc()
		return false, errors.Wrapf(model.ErrStorageUnavailable, "ingesting event %s: %v", ev.SourceID, err)
	}
	if !applied {
		duplicateEvents.Inc()
		es.logger.Info("dropping redelivered event", zap.String("source_id", ev.SourceID))
		return false, nil
	}
	ingestedEvents.Inc()
	return true, nil
}

// Replay streams stored events with Seq > fromSeq to fn in storage order,
// in batches. Restartable: a consumer that persists the last Seq it handled
// can resume from there after a crash. fn returning an error stops the
// replay at that event.
func (es *EventStore) Replay(ctx context.Context, fromSeq int64, fn func(model.StoredEvent) error) error {
	const batchSize = 256
	cursor := fromSeq
	for {
		batch, err := es.backend.ScanEvents(ctx, cursor, batchSize)
		if err != nil {
			return errors.Wrapf(model.ErrStorageUnavailable, "scanning events after seq %d: %v", cursor, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, ev := range batch {
			if err := fn(ev); err != nil {
				return err
			}
			cursor = ev.Seq
		}
	}
}

// Cursor and SetCursor expose the backend's named replay cursors for
// consumers (the apply pipeline, audit tooling) that need to persist their
// position.
func (es *EventStore) Cursor(ctx context.Context, name string) (int64, error) {
	seq, err := es.backend.Cursor(ctx, name)
	if err != nil {
		return 0, errors.Wrapf(model.ErrStorageUnavailable, "reading cursor %s: %v", name, err)
	}
	return seq, nil
}

func (es *EventStore) SetCursor(ctx context.Context, name string, seq int64) error {
	if err := es.backend.SetCursor(ctx, name, seq); err != nil {
		return errors.Wrapf(model.ErrStorageUnavailable, "writing cursor %s: %v", name, err)
	}
	return nil
}
