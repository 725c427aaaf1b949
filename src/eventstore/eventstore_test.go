package eventstore

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/grantmatch/qf-engine/src/common"
	"github.com/grantmatch/qf-engine/src/memstore"
	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func testEvent(sourceID string) model.Event {
	return model.Event{
		SourceID:   sourceID,
		Kind:       model.EventKindContribution,
		RoundID:    "round-1",
		ProjectID:  "project-a",
		Account:    "donor-1",
		Amount:     100,
		ObservedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func newTestStore(t *testing.T) (*EventStore, *memstore.Store) {
	t.Helper()
	backend := memstore.NewStore()
	return NewEventStore(backend, common.ConfigureZap(zap.ErrorLevel)), backend
}

func TestIngestIdempotent(t *testing.T) {
	es, _ := newTestStore(t)
	ctx := context.Background()

	applied, err := es.Ingest(ctx, testEvent("tx1:0"))
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("first delivery should apply")
	}
	for i := 0; i < 5; i++ {
		applied, err := es.Ingest(ctx, testEvent("tx1:0"))
		if err != nil {
			t.Fatal(err)
		}
		if applied {
			t.Fatalf("redelivery %d applied again", i)
		}
	}

	var stored []model.StoredEvent
	if err := es.Replay(ctx, 0, func(ev model.StoredEvent) error {
		stored = append(stored, ev)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected exactly 1 stored event, got %d", len(stored))
	}
	byID := model.EventArrayToMap(stored)
	if d := cmp.Diff(testEvent("tx1:0"), byID["tx1:0"].Event); d != "" {
		t.Fatalf("stored event mismatch: %s", d)
	}
}

func TestIngestValidation(t *testing.T) {
	es, _ := newTestStore(t)
	ctx := context.Background()

	ev := testEvent("tx2:0")
	ev.SourceID = ""
	if _, err := es.Ingest(ctx, ev); !model.IsValidation(err) {
		t.Fatalf("missing source id should be a validation error, got %v", err)
	}

	ev = testEvent("tx2:1")
	ev.Amount = 0
	if _, err := es.Ingest(ctx, ev); !model.IsValidation(err) {
		t.Fatalf("zero amount should be a validation error, got %v", err)
	}

	ev = testEvent("tx2:2")
	ev.Kind = "withdrawal"
	if _, err := es.Ingest(ctx, ev); !model.IsValidation(err) {
		t.Fatalf("unknown kind should be a validation error, got %v", err)
	}

	ev = testEvent("tx2:4")
	ev.Amount = uint64(math.MaxInt64) + 1
	if _, err := es.Ingest(ctx, ev); !model.IsValidation(err) {
		t.Fatalf("amount above the storable bound should be a validation error, got %v", err)
	}

	ev = testEvent("tx2:3")
	ev.Kind = model.EventKindDistributionRequest
	ev.Amount = 0
	if _, err := es.Ingest(ctx, ev); err != nil {
		t.Fatalf("distribution request without amount should ingest, got %v", err)
	}
}

func TestReplayOrderAndCursor(t *testing.T) {
	es, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 700; i++ { // spans multiple scan batches
		if _, err := es.Ingest(ctx, testEvent(fmt.Sprintf("tx3:%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	lastSeq := int64(0)
	count := 0
	if err := es.Replay(ctx, 0, func(ev model.StoredEvent) error {
		if ev.Seq <= lastSeq {
			return errors.Errorf("out of order replay: seq %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if count != 700 {
		t.Fatalf("expected 700 events, got %d", count)
	}

	// restart mid-stream: replay from a persisted position sees only the rest
	resumed := 0
	if err := es.Replay(ctx, 300, func(ev model.StoredEvent) error {
		resumed++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if resumed != 400 {
		t.Fatalf("expected 400 events after seq 300, got %d", resumed)
	}
}

func TestReplayStopsOnHandlerError(t *testing.T) {
	es, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := es.Ingest(ctx, testEvent(fmt.Sprintf("tx4:%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	handlerErr := errors.New("stop here")
	seen := 0
	err := es.Replay(ctx, 0, func(ev model.StoredEvent) error {
		seen++
		if seen == 3 {
			return handlerErr
		}
		return nil
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error back, got %v", err)
	}
	if seen != 3 {
		t.Fatalf("replay should stop at the failing event, saw %d", seen)
	}
}

func TestNamedCursors(t *testing.T) {
	es, _ := newTestStore(t)
	ctx := context.Background()

	seq, err := es.Cursor(ctx, "ledger_apply")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Fatalf("fresh cursor should be 0, got %d", seq)
	}
	if err := es.SetCursor(ctx, "ledger_apply", 42); err != nil {
		t.Fatal(err)
	}
	seq, err = es.Cursor(ctx, "ledger_apply")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 42 {
		t.Fatalf("expected cursor at 42, got %d", seq)
	}
}
