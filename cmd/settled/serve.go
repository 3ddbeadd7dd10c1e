package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/config"
	"PerpSettlement/internal/core"
	"PerpSettlement/internal/custody"
	"PerpSettlement/internal/ingestion"
	"PerpSettlement/internal/observability"
	"PerpSettlement/internal/persistence"
	"PerpSettlement/internal/pipeline"
	"PerpSettlement/internal/projection"
	"PerpSettlement/internal/query"
	"PerpSettlement/internal/server"
	"PerpSettlement/internal/wal"
)

func serveCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Replay the WAL and start consuming sequencer batches",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			err = serve(c.Context(), cfg)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("settled", level)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}
	logger.Info().Msg("settled starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres (optional) ---
	var db *sql.DB
	if cfg.Postgres.URL != "" {
		var err error
		db, err = openPostgres(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := persistence.NewMigrator(db, persistence.Migrations(), component("migrate")).Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("postgres ready")
		healthChecker.AddCheck("postgres", db.PingContext)
	} else {
		logger.Warn().Msg("no postgres configured, event log and history are disabled")
	}

	// --- WAL ---
	log, err := wal.Open(cfg.WAL.Dir, wal.Options{}, metrics, component("wal"))
	if err != nil {
		return err
	}
	defer log.Close()

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATS.URL != "" {
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, component("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, component("nats")); err != nil {
			return err
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
	}

	// --- Core ---
	coreCfg, err := cfg.Risk.CoreConfig()
	if err != nil {
		return err
	}
	provider, err := cfg.Risk.Provider()
	if err != nil {
		return err
	}
	custodyCfg, err := cfg.Custody.Parse()
	if err != nil {
		return err
	}
	coreOut := make(chan core.CoreOutput, cfg.Persist.ChanSize)
	exchange := core.NewExchange(coreCfg, custodyCollaborators(custodyCfg, provider), coreOut, nil, metrics, component("core"))
	logger.Info().
		Bool("mint", custodyCfg.Mint).
		Int("routes", len(custodyCfg.RouterPrices)).
		Int("oracle_prices", len(custodyCfg.OraclePrices)).
		Int("vaults", len(custodyCfg.Vaults)).
		Msg("custody configured")

	dedup := core.NewBatchDeduplicator(cfg.WAL.DedupCapacity, log, metrics, component("dedup"))
	pipe := pipeline.New(exchange, dedup, log, cfg.Risk.OperatorAddress(), cfg.WAL.DedupCapacity, metrics, component("pipeline"))

	// --- Downstream channels ---
	var persistChan chan persistence.CoreOutput
	if db != nil {
		persistChan = make(chan persistence.CoreOutput, cfg.Persist.ChanSize)
	}
	projectionChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	var publishChan chan ingestion.PublishableEvent
	sink, err := outboundSink(cfg, js)
	if err != nil {
		return err
	}
	if sink != nil {
		publishChan = make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
		if c, ok := sink.(io.Closer); ok {
			defer c.Close()
		}
	}

	bridge := pipeline.NewBridge(coreOut, persistChan, projectionChan, publishChan, metrics, component("bridge"))
	if last, ok, err := log.Last(); err != nil {
		return err
	} else if ok {
		bridge.QuietThrough(last.CommitSequence)
	}

	g, gctx := errgroup.WithContext(ctx)
	// fail stops the goroutines started so far before returning err
	fail := func(err error) error {
		cancel()
		g.Wait()
		return err
	}
	g.Go(func() error { return bridge.Run(gctx) })

	if persistChan != nil {
		writer := persistence.NewEventLogWriter(db, metrics)
		worker := persistence.NewPersistenceWorker(writer, persistChan, persistence.WorkerConfig{
			BatchSize:         cfg.Persist.BatchSize,
			FlushTimeout:      cfg.Persist.FlushTimeout,
			RetryDelay:        persistence.DefaultWorkerConfig().RetryDelay,
			MaxDelay:          persistence.DefaultWorkerConfig().MaxDelay,
			FinalFlushTimeout: persistence.DefaultWorkerConfig().FinalFlushTimeout,
		}, metrics, component("persistence"))
		g.Go(func() error { return worker.Run(gctx) })
	}

	funding := projection.NewFundingHistory(cfg.FundingHistorySize)
	projWorker := projection.NewProjectionWorker(db, projectionChan, funding, metrics, component("projection"))
	g.Go(func() error { return projWorker.Run(gctx) })

	if sink != nil {
		publisher := ingestion.NewOutboundPublisher(sink, publishChan, component("publisher"))
		g.Go(func() error { return publisher.Run(gctx) })
	}

	g.Go(func() error {
		sampleChannels(gctx, metrics, map[string]func() (int, int){
			"core_out":   func() (int, int) { return len(coreOut), cap(coreOut) },
			"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
			"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
			"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		})
		return nil
	})

	// --- Recovery ---
	stats, err := pipe.Replay(gctx)
	if err != nil {
		return fail(fmt.Errorf("wal replay: %w", err))
	}
	if err := registerProducts(gctx, pipe, exchange, cfg.Risk, logger); err != nil {
		return fail(err)
	}

	// --- Ingestion ---
	var subscriber *ingestion.BatchSubscriber
	if js != nil {
		batches := make(chan ingestion.Batch)
		subscriber = ingestion.NewBatchSubscriber(js, batches, metrics, component("subscriber"))
		subCfg := ingestion.DefaultSubscriberConfig()
		subCfg.ConsumerName = cfg.NATS.Durable
		if err := subscriber.Subscribe(gctx, subCfg); err != nil {
			return fail(err)
		}
		defer subscriber.Stop()
		g.Go(func() error { return pipe.Consume(gctx, batches) })
	}

	// --- API ---
	queryService := query.NewQueryService(exchange, funding, db)
	srv, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		Ingestor:      pipe,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        component("server"),
	})
	if err != nil {
		return fail(err)
	}
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })

	healthChecker.SetInfo(func() map[string]any {
		hash := exchange.GetStateHash()
		return map[string]any{
			"commit_sequence": exchange.GetCommitSequence(),
			"tx_counter":      exchange.GetTxCounter(),
			"state_hash":      hex.EncodeToString(hash[:]),
		}
	})
	healthChecker.SetReady(true)
	srv.SetServing(true)

	logger.Info().
		Int("replayed", stats.Entries).
		Uint64("commit_seq", exchange.GetCommitSequence()).
		Uint64("tx_counter", exchange.GetTxCounter()).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Msg("settled ready")

	err = g.Wait()
	healthChecker.SetReady(false)
	logger.Info().Err(err).Msg("settled stopped")
	return err
}

// custodyCollaborators wires the in-process custody, router, oracle and
// vaults seeded from the custody config section.
func custodyCollaborators(c config.Custody, provider *auth.StaticProvider) core.Collaborators {
	custodian := custody.NewCustodian()
	custodian.Mint = c.Mint

	router := custody.NewRouter()
	for _, r := range c.RouterPrices {
		router.SetPrice(r.In, r.Out, r.Price)
	}
	oracle := custody.NewOracle()
	for token, usd := range c.OraclePrices {
		oracle.SetPrice(token, usd)
	}
	vaults := make(map[common.Address]clearing.Vault, len(c.Vaults))
	for wrapper, rate := range c.Vaults {
		vaults[wrapper] = custody.NewVault(rate)
	}
	contracts := custody.NewContractAccounts()
	for account, owner := range c.VaultOwners {
		contracts.SetOwner(account, owner)
	}

	return core.Collaborators{
		Auth:      provider,
		Mover:     custodian,
		Oracle:    oracle,
		Router:    router,
		Contracts: contracts,
		Vaults:    vaults,
	}
}

func outboundSink(cfg config.Config, js jetstream.JetStream) (ingestion.Sink, error) {
	switch cfg.Sink {
	case "nats":
		if js == nil {
			return nil, fmt.Errorf("sink nats needs a NATS connection")
		}
		return ingestion.NewNATSSink(js), nil
	case "kafka":
		return ingestion.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	default:
		return nil, nil
	}
}

// registerProducts opens configured markets the replayed state lacks. The
// registrations go through the pipeline so they are logged like any admin call.
func registerProducts(ctx context.Context, pipe *pipeline.Pipeline, x *core.Exchange, risk config.RiskConfig, logger zerolog.Logger) error {
	have := make(map[uint8]bool)
	for _, p := range x.GetProducts() {
		have[p.Index] = true
	}
	for _, p := range risk.Products {
		if have[p.Index] {
			continue
		}
		err := pipe.Admin(ctx, core.AdminCommand{
			Kind:         core.AdminRegisterProduct,
			Caller:       risk.AdminAddress(),
			ProductIndex: p.Index,
			Symbol:       p.Symbol,
		})
		if err != nil {
			return fmt.Errorf("register product %d: %w", p.Index, err)
		}
		logger.Info().Uint8("product", p.Index).Str("symbol", p.Symbol).Msg("registered product")
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, fn := range channels {
				size, capacity := fn()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
