package main

import (
	"context"
	"flag"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/grantmatch/qf-engine/src/common"
	"github.com/grantmatch/qf-engine/src/coordinator"
	"github.com/grantmatch/qf-engine/src/engine"
	"github.com/grantmatch/qf-engine/src/eventstore"
	"github.com/grantmatch/qf-engine/src/ledger"
	"github.com/grantmatch/qf-engine/src/memstore"
	"github.com/grantmatch/qf-engine/src/postgres"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// storage is what every backend must provide: event log, derived ledger
// state, and distribution/outbox transactions.
type storage interface {
	eventstore.Backend
	ledger.Store
	coordinator.Store
}

func main() {
	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	log.Printf("loading config @ `%s`", fullPath)
	rawCfg, err := ioutil.ReadFile(fullPath)
	if err != nil {
		log.Printf("config file not found: %s", err)
		os.Exit(1)
	}
	cfg := engine.Config{PipelineSeconds: 15}
	if err := yaml.Unmarshal(rawCfg, &cfg); err != nil {
		log.Printf("failed parsing config file: %s", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, default `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz, default ""`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the postgres connection"`)
	flag.StringVar(&cfg.RedisAddress, "redis", cfg.RedisAddress, `address of the redis used for sybil weights and the payout queue"`)
	flag.IntVar(&cfg.PipelineSeconds, "interval", cfg.PipelineSeconds, `seconds between pipeline passes"`)
	flag.Parse()

	log.Println("----------------------------------")
	log.Printf("initializing qf engine")
	log.Printf("\tpostgres:      %s", cfg.PostgresConfig)
	log.Printf("\tredis:         %s", cfg.RedisAddress)
	log.Printf("\tprom:          %s", cfg.PromPort)
	log.Printf("\thealth check:  %s", cfg.HealthCheckPort)
	log.Printf("\tmock:          %t", cfg.Mock)
	log.Printf("\tinterval:      %ds", cfg.PipelineSeconds)
	log.Println("----------------------------------")

	logger := common.ConfigureZap(zap.InfoLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store storage
	var weights ledger.WeightSource
	var sink coordinator.PayoutSink
	if cfg.Mock {
		store = memstore.NewStore()
		weights = ledger.StaticWeights{}
		sink = coordinator.NewMockPayoutSink()
	} else {
		pg := postgres.NewStore(cfg.PostgresConfig)
		if err := postgres.EnsureSchema(ctx); err != nil {
			panic(errors.Wrap(err, "failed ensuring postgres schema"))
		}
		rd := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		if err := rd.Ping(ctx).Err(); err != nil {
			panic(errors.Wrapf(err, "FATAL, failed to connect to redis at %s", cfg.RedisAddress))
		}
		store = pg
		weights = ledger.NewRedisWeights(rd)
		sink = coordinator.NewRedisPayoutSink(rd)
	}

	events := eventstore.NewEventStore(store, logger)
	lgr := ledger.NewLedger(store, weights, logger)
	coord := coordinator.NewCoordinator(store, lgr, logger)
	eng := engine.NewEngine(events, lgr, coord, sink, logger)

	if cfg.PromPort != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Println(http.ListenAndServe(cfg.PromPort, nil))
		}()
	}
	if cfg.HealthCheckPort != "" {
		go beginReadyzHandler(cfg)
	}

	if err := eng.Recover(ctx); err != nil {
		panic(errors.Wrap(err, "failed recovering pool allocations"))
	}
	eng.StartPipeline(ctx, time.Duration(cfg.PipelineSeconds)*time.Second)
}

func beginReadyzHandler(cfg engine.Config) {
	http.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pg, err := postgres.GetConnection(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(errors.Wrap(err, "failed pinging postgres").Error()))
			return
		}
		defer pg.Close(r.Context())
		if err := pg.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(errors.Wrap(err, "failed pinging postgres").Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	go http.ListenAndServe(cfg.HealthCheckPort, nil)
}
