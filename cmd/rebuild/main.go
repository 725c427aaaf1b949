package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/grantmatch/qf-engine/src/common"
	"github.com/grantmatch/qf-engine/src/coordinator"
	"github.com/grantmatch/qf-engine/src/engine"
	"github.com/grantmatch/qf-engine/src/eventstore"
	"github.com/grantmatch/qf-engine/src/ledger"
	"github.com/grantmatch/qf-engine/src/postgres"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// rebuild wipes all derived state (balances, pools, cursors) and replays the
// full event log into it, then reconciles pool allocations with committed
// distributions. The event log and the round/project registry are untouched.
// Audit/recovery tool; stop the engine before running it.
func main() {
	pgConfig := flag.String("pg", "", "config string for the postgres connection")
	redisAddress := flag.String("redis", "", "address of the redis holding sybil weights")
	confirmed := flag.Bool("yes", false, "actually reset derived state and replay")
	flag.Parse()

	if *pgConfig == "" || !*confirmed {
		flag.Usage()
		os.Exit(1)
	}

	logger := common.ConfigureZap(zap.InfoLevel)
	ctx := context.Background()

	store := postgres.NewStore(*pgConfig)
	var weights ledger.WeightSource = ledger.StaticWeights{}
	if *redisAddress != "" {
		rd := redis.NewClient(&redis.Options{Addr: *redisAddress})
		if err := rd.Ping(ctx).Err(); err != nil {
			panic(errors.Wrapf(err, "FATAL, failed to connect to redis at %s", *redisAddress))
		}
		weights = ledger.NewRedisWeights(rd)
	}

	events := eventstore.NewEventStore(store, logger)
	lgr := ledger.NewLedger(store, weights, logger)
	coord := coordinator.NewCoordinator(store, lgr, logger)
	eng := engine.NewEngine(events, lgr, coord, coordinator.NewMockPayoutSink(), logger)

	log.Println("resetting derived state")
	if err := store.ResetDerived(ctx); err != nil {
		panic(errors.Wrap(err, "failed resetting derived state"))
	}
	log.Println("replaying event log")
	applied, err := eng.Rebuild(ctx)
	if err != nil {
		panic(errors.Wrap(err, "failed replaying event log"))
	}
	log.Printf("rebuild complete, %d events applied", applied)

	rounds, err := store.Rounds(ctx)
	if err != nil {
		panic(errors.Wrap(err, "failed listing rounds"))
	}
	for _, roundID := range rounds {
		pool, err := store.GetPool(ctx, roundID)
		if err != nil {
			panic(errors.Wrapf(err, "failed reading pool for round %s", roundID))
		}
		log.Printf("round %s: total %d, allocated %d", roundID, pool.TotalFunds, pool.AllocatedFunds)
	}
}
