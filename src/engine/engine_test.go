package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/grantmatch/qf-engine/src/common"
	"github.com/grantmatch/qf-engine/src/coordinator"
	"github.com/grantmatch/qf-engine/src/eventstore"
	"github.com/grantmatch/qf-engine/src/ledger"
	"github.com/grantmatch/qf-engine/src/memstore"
	"github.com/grantmatch/qf-engine/src/model"
	"go.uber.org/zap"
)

type fixture struct {
	store  *memstore.Store
	events *eventstore.EventStore
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
	sink   *coordinator.MockPayoutSink
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.NewStore()
	logger := common.ConfigureZap(zap.ErrorLevel)
	events := eventstore.NewEventStore(store, logger)
	lgr := ledger.NewLedger(store, ledger.StaticWeights{}, logger)
	coord := coordinator.NewCoordinator(store, lgr, logger)
	sink := coordinator.NewMockPayoutSink()

	ctx := context.Background()
	if err := store.RegisterRound(ctx, "round-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.RegisterProject(ctx, "round-1", "project-a"); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:  store,
		events: events,
		ledger: lgr,
		coord:  coord,
		sink:   sink,
		engine: NewEngine(events, lgr, coord, sink, logger),
	}
}

func (f *fixture) ingest(t *testing.T, ev model.Event) {
	t.Helper()
	if _, err := f.events.Ingest(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}

func contribution(sourceID string, donor model.DonorAddr, amount uint64) model.Event {
	return model.Event{
		SourceID:   sourceID,
		Kind:       model.EventKindContribution,
		RoundID:    "round-1",
		ProjectID:  "project-a",
		Account:    donor,
		Amount:     amount,
		ObservedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, model.Event{
		SourceID: "fund:0", Kind: model.EventKindPoolFunding,
		RoundID: "round-1", Account: "sponsor", Amount: 100,
	})
	for i, donor := range []model.DonorAddr{"a", "b", "c"} {
		f.ingest(t, contribution(fmt.Sprintf("tx:%d", i), donor, 1))
	}
	f.ingest(t, model.Event{
		SourceID: "req:0", Kind: model.EventKindDistributionRequest,
		RoundID: "round-1", ProjectID: "project-a",
	})

	f.engine.DoPipelineOnce(ctx)

	record, err := f.store.GetDistribution(ctx, "round-1", "project-a")
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != model.DistributionStatusCommitted || record.MatchAmount != 6 {
		t.Fatalf("pipeline did not commit the distribution: %+v", record)
	}
	if len(f.sink.Submitted) != 1 || f.sink.Submitted[0].Amount != 6 {
		t.Fatalf("pipeline did not dispatch the payout: %+v", f.sink.Submitted)
	}
	pool, _ := f.store.GetPool(ctx, "round-1")
	if pool.TotalFunds != 100 || pool.AllocatedFunds != 6 {
		t.Fatalf("wrong pool state after pipeline: %+v", pool)
	}
}

func TestPipelineRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deliver := func() {
		f.ingest(t, model.Event{
			SourceID: "fund:0", Kind: model.EventKindPoolFunding,
			RoundID: "round-1", Account: "sponsor", Amount: 100,
		})
		f.ingest(t, contribution("tx:0", "alice", 7))
		f.ingest(t, contribution("tx:1", "bob", 7))
		f.ingest(t, model.Event{
			SourceID: "req:0", Kind: model.EventKindDistributionRequest,
			RoundID: "round-1", ProjectID: "project-a",
		})
	}

	deliver()
	f.engine.DoPipelineOnce(ctx)
	firstSnapshot, err := f.ledger.Snapshot(ctx, "round-1", "project-a")
	if err != nil {
		t.Fatal(err)
	}
	firstPool, _ := f.store.GetPool(ctx, "round-1")

	// the indexer redelivers everything, twice
	for i := 0; i < 2; i++ {
		deliver()
		f.engine.DoPipelineOnce(ctx)
	}

	snapshot, err := f.ledger.Snapshot(ctx, "round-1", "project-a")
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(firstSnapshot, snapshot); d != "" {
		t.Fatalf("redelivery changed ledger state: %s", d)
	}
	pool, _ := f.store.GetPool(ctx, "round-1")
	if d := cmp.Diff(firstPool, pool); d != "" {
		t.Fatalf("redelivery changed pool state: %s", d)
	}
	if len(f.sink.Submitted) != 1 {
		t.Fatalf("redelivery must not duplicate payouts, got %d", len(f.sink.Submitted))
	}
}

func TestPipelineRetriesPoolBlockedDistribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, model.Event{
		SourceID: "fund:0", Kind: model.EventKindPoolFunding,
		RoundID: "round-1", Account: "sponsor", Amount: 5,
	})
	for i, donor := range []model.DonorAddr{"a", "b", "c"} {
		f.ingest(t, contribution(fmt.Sprintf("tx:%d", i), donor, 1))
	}
	f.ingest(t, model.Event{
		SourceID: "req:0", Kind: model.EventKindDistributionRequest,
		RoundID: "round-1", ProjectID: "project-a",
	})

	f.engine.DoPipelineOnce(ctx)
	record, err := f.store.GetDistribution(ctx, "round-1", "project-a")
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != model.DistributionStatusComputed {
		t.Fatalf("underfunded distribution should be parked at computed, got %s", record.Status)
	}

	// passes without new funding keep it parked
	f.engine.DoPipelineOnce(ctx)
	record, _ = f.store.GetDistribution(ctx, "round-1", "project-a")
	if record.Status != model.DistributionStatusComputed {
		t.Fatalf("still-underfunded distribution should stay computed, got %s", record.Status)
	}

	// the sponsor tops the pool up; the next pass commits the frozen match
	f.ingest(t, model.Event{
		SourceID: "fund:1", Kind: model.EventKindPoolFunding,
		RoundID: "round-1", Account: "sponsor", Amount: 100,
	})
	f.engine.DoPipelineOnce(ctx)

	record, _ = f.store.GetDistribution(ctx, "round-1", "project-a")
	if record.Status != model.DistributionStatusCommitted || record.MatchAmount != 6 {
		t.Fatalf("expected committed frozen match of 6, got %+v", record)
	}
	if len(f.sink.Submitted) != 1 {
		t.Fatalf("expected 1 payout after top-up, got %d", len(f.sink.Submitted))
	}
}

func TestPoolBlockedDistributionSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, model.Event{
		SourceID: "fund:0", Kind: model.EventKindPoolFunding,
		RoundID: "round-1", Account: "sponsor", Amount: 5,
	})
	for i, donor := range []model.DonorAddr{"a", "b", "c"} {
		f.ingest(t, contribution(fmt.Sprintf("tx:%d", i), donor, 1))
	}
	f.ingest(t, model.Event{
		SourceID: "req:0", Kind: model.EventKindDistributionRequest,
		RoundID: "round-1", ProjectID: "project-a",
	})
	f.engine.DoPipelineOnce(ctx)

	record, err := f.store.GetDistribution(ctx, "round-1", "project-a")
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != model.DistributionStatusComputed {
		t.Fatalf("precondition: distribution should be parked at computed, got %s", record.Status)
	}

	// restart: a fresh engine over the same store, no process state carried;
	// the request event is behind the apply cursor and will not be replayed
	logger := common.ConfigureZap(zap.ErrorLevel)
	events := eventstore.NewEventStore(f.store, logger)
	lgr := ledger.NewLedger(f.store, ledger.StaticWeights{}, logger)
	coord := coordinator.NewCoordinator(f.store, lgr, logger)
	restarted := NewEngine(events, lgr, coord, f.sink, logger)
	if err := restarted.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := events.Ingest(ctx, model.Event{
		SourceID: "fund:1", Kind: model.EventKindPoolFunding,
		RoundID: "round-1", Account: "sponsor", Amount: 100,
	}); err != nil {
		t.Fatal(err)
	}
	restarted.DoPipelineOnce(ctx)

	record, _ = f.store.GetDistribution(ctx, "round-1", "project-a")
	if record.Status != model.DistributionStatusCommitted || record.MatchAmount != 6 {
		t.Fatalf("parked distribution must commit after restart and top-up, got %+v", record)
	}
	if len(f.sink.Submitted) != 1 {
		t.Fatalf("expected 1 payout after restart, got %d", len(f.sink.Submitted))
	}
}

func TestPipelineSkipsUnapplicableEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, contribution("tx:0", "alice", 5))
	// indexer bug: contribution for a project that was never registered
	bad := contribution("tx:bad", "bob", 5)
	bad.ProjectID = "project-z"
	f.ingest(t, bad)
	f.ingest(t, contribution("tx:1", "carol", 5))

	f.engine.DoPipelineOnce(ctx)

	snapshot, err := f.ledger.Snapshot(ctx, "round-1", "project-a")
	if err != nil {
		t.Fatal(err)
	}
	expected := model.ContributionMap{"alice": 5, "carol": 5}
	if d := cmp.Diff(expected, snapshot); d != "" {
		t.Fatalf("events after the bad one must still apply: %s", d)
	}
}

func TestRebuildMatchesLiveState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, model.Event{
		SourceID: "fund:0", Kind: model.EventKindPoolFunding,
		RoundID: "round-1", Account: "sponsor", Amount: 500,
	})
	for i := 0; i < 10; i++ {
		f.ingest(t, contribution(fmt.Sprintf("tx:%d", i), model.DonorAddr(fmt.Sprintf("donor%d", i%4)), uint64(i+1)))
	}
	f.ingest(t, model.Event{
		SourceID: "req:0", Kind: model.EventKindDistributionRequest,
		RoundID: "round-1", ProjectID: "project-a",
	})
	f.engine.DoPipelineOnce(ctx)

	liveSnapshot, err := f.ledger.Snapshot(ctx, "round-1", "project-a")
	if err != nil {
		t.Fatal(err)
	}
	rounds, err := f.store.Rounds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	livePools := map[string]model.RoundPool{}
	for _, roundID := range rounds {
		pool, err := f.store.GetPool(ctx, roundID)
		if err != nil {
			t.Fatal(err)
		}
		livePools[roundID] = pool
	}

	// wipe derived state and replay the log from zero
	if err := f.store.ResetDerived(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	rebuilt, err := f.ledger.Snapshot(ctx, "round-1", "project-a")
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(liveSnapshot, rebuilt); d != "" {
		t.Fatalf("rebuild diverged from live ledger state: %s", d)
	}
	for _, roundID := range rounds {
		pool, err := f.store.GetPool(ctx, roundID)
		if err != nil {
			t.Fatal(err)
		}
		if d := cmp.Diff(livePools[roundID], pool); d != "" {
			t.Fatalf("rebuild diverged from live pool state for %s: %s", roundID, d)
		}
	}
}
