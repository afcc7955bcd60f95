package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ReserveLedger/internal/api"
	"ReserveLedger/internal/backstop"
	"ReserveLedger/internal/config"
	"ReserveLedger/internal/custody"
	"ReserveLedger/internal/engine"
	"ReserveLedger/internal/event"
	"ReserveLedger/internal/fixedpoint"
	"ReserveLedger/internal/ingestion"
	"ReserveLedger/internal/observability"
	"ReserveLedger/internal/oracle"
	"ReserveLedger/internal/persistence"
	"ReserveLedger/internal/reserve"
)

const (
	ingestChanSize  = 1024
	replayBatchSize = 1000
)

// serviceSnapshot is the persisted warm-start blob: the engine core plus the
// custody and backstop state that events alone cannot rebuild past the
// snapshot boundary.
type serviceSnapshot struct {
	Core            *engine.CoreSnapshot `json:"core"`
	VaultOwners     map[string]uuid.UUID `json:"vault_owners"`
	VaultPinned     []string             `json:"vault_pinned"`
	BackstopBalance string               `json:"backstop_balance"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// Postgres.
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: failed to open postgres: %v", err)
	}
	defer db.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("FATAL: failed to ping postgres: %v", err)
	}
	pingCancel()
	log.Printf("connected to postgres")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: migrations: %v", err)
	}

	// Warm start: latest verified snapshot, if any.
	snapshotMgr := persistence.NewSnapshotManager(db)
	snapSequence, snapData, err := snapshotMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Fatalf("FATAL: load snapshot: %v", err)
	}
	var saved *serviceSnapshot
	if snapData != nil {
		saved = &serviceSnapshot{}
		if err := json.Unmarshal(snapData, saved); err != nil {
			log.Fatalf("FATAL: decode snapshot at sequence %d: %v", snapSequence, err)
		}
	}
	// A snapshot past the log head means the event log was truncated; replay
	// cannot reconcile that.
	logHead, err := snapshotMgr.GetLatestSequence(ctx)
	if err != nil {
		log.Fatalf("FATAL: event log head: %v", err)
	}
	if snapSequence > logHead {
		log.Fatalf("FATAL: snapshot at sequence %d is ahead of event log head %d", snapSequence, logHead)
	}
	log.Printf("event log head at sequence %d, snapshot at %d", logHead, snapSequence)

	// Domain components, seeded from the snapshot when one exists.
	model, err := cfg.Model()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	var vault *custody.Vault
	if saved != nil {
		vault = custody.RestoreVault(saved.VaultOwners, saved.VaultPinned)
	} else {
		vault = custody.NewVault()
	}
	backstopID, err := cfg.BackstopIdentity()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	fundBalance, err := cfg.BackstopSeed()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	if saved != nil && saved.BackstopBalance != "" {
		v, ok := new(big.Int).SetString(saved.BackstopBalance, 10)
		if !ok {
			log.Fatalf("FATAL: snapshot: bad backstop balance %q", saved.BackstopBalance)
		}
		fundBalance = v
	}
	fund := backstop.NewFund(backstopID, fundBalance)

	roles := engine.NewRegistry()
	roles.Grant(fund.Identity(), engine.RoleBackstop)
	admins, err := cfg.RateAdminIDs()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	for _, id := range admins {
		roles.Grant(id, engine.RoleRateAdmin)
	}

	quotes := oracle.NewStore(cfg.OracleMaxAge())

	persistCh := make(chan event.Envelope, cfg.PersistChanSize)
	publishCh := make(chan event.Envelope, cfg.PublishChanSize)

	eng := engine.New(engine.Config{
		Reserve:   reserve.NewAccount(model, time.Now().Unix()),
		Risk:      cfg.RiskParameters(),
		Roles:     roles,
		Oracle:    quotes,
		Custody:   vault,
		Backstop:  fund,
		PersistCh: persistCh,
		PublishCh: publishCh,
		Metrics:   metrics,
		Logger:    observability.NewLogger("engine"),
	})
	if saved != nil {
		if err := eng.RestoreSnapshot(saved.Core); err != nil {
			log.Fatalf("FATAL: restore snapshot at sequence %d: %v", snapSequence, err)
		}
		log.Printf("restored snapshot at sequence %d", snapSequence)
	}

	// Replay the event log past the snapshot boundary.
	eventWriter := persistence.NewEventLogWriter(db)
	replayed, err := replayEventsFromLog(ctx, eventWriter, eng, metrics)
	if err != nil {
		log.Fatalf("FATAL: replay: %v", err)
	}
	log.Printf("replayed %d events, engine at sequence %d", replayed, eng.Sequence())
	metrics.EngineSequence.Set(float64(eng.Sequence()))
	publishEngineGauges(eng, metrics)

	// NATS.
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to NATS: %v", err)
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	var wg sync.WaitGroup

	worker := persistence.NewWorker(db, persistCh, cfg.PersistBatchSize, cfg.PersistFlushTimeout(), metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			log.Printf("ERROR: persistence worker: %v", err)
		}
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishCh)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(ctx); err != nil {
			log.Printf("ERROR: outbound publisher: %v", err)
		}
	}()

	rawCh := make(chan ingestion.RawMessage, ingestChanSize)
	applier := ingestion.NewPriceApplier(quotes, rawCh, metrics, observability.NewLogger("ingestion"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := applier.Run(ctx); err != nil {
			log.Printf("ERROR: price applier: %v", err)
		}
	}()

	subscriber := ingestion.NewNATSSubscriber(js, rawCh)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: subscribe: %v", err)
	}

	apiServer := api.NewServer(api.Config{
		Engine:  eng,
		Oracle:  quotes,
		Vault:   vault,
		Events:  eventWriter,
		Health:  healthChecker,
		Metrics: metrics,
		Logger:  observability.NewLogger("api"),
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Printf("API listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: API server: %v", err)
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: metrics server: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runPeriodicSnapshots(ctx, eng, vault, fund, snapshotMgr, metrics, cfg.SnapshotInterval, snapSequence)
	}()

	healthChecker.SetReady(true)
	log.Printf("reserve ledger up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")
	healthChecker.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: API shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: metrics shutdown: %v", err)
	}

	// Stop intake first, then let the workers drain what is already queued.
	subscriber.Stop()
	close(rawCh)
	close(persistCh)
	close(publishCh)
	cancel()
	wg.Wait()

	if err := takeSnapshot(context.Background(), eng, vault, fund, snapshotMgr, metrics); err != nil {
		log.Printf("ERROR: final snapshot: %v", err)
	} else {
		log.Printf("final snapshot at sequence %d", eng.Sequence())
	}
	log.Printf("shutdown complete")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// replayEventsFromLog applies every logged event past the engine's current
// sequence, in order, in fixed-size batches.
func replayEventsFromLog(ctx context.Context, writer *persistence.EventLogWriter, eng *engine.Engine, metrics *observability.Metrics) (int64, error) {
	var replayed int64
	expected := eng.Sequence() + 1
	for {
		rows, err := writer.LoadEventsFrom(ctx, expected, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", expected, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}
		for _, row := range rows {
			// The log must be contiguous; a hole means lost events.
			if row.Sequence != expected {
				return replayed, fmt.Errorf("event log gap: expected sequence %d, got %d", expected, row.Sequence)
			}
			if err := eng.Apply(row.Envelope()); err != nil {
				return replayed, fmt.Errorf("apply sequence %d: %w", row.Sequence, err)
			}
			expected++
			replayed++
			metrics.ReplayEventsTotal.Inc()
		}
	}
}

// runPeriodicSnapshots checks every 10s whether enough events have committed
// since the last snapshot and persists one when they have.
func runPeriodicSnapshots(
	ctx context.Context,
	eng *engine.Engine,
	vault *custody.Vault,
	fund *backstop.Fund,
	mgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	interval int64,
	lastSequence int64,
) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := eng.Sequence()
			metrics.EngineSequence.Set(float64(seq))
			publishEngineGauges(eng, metrics)
			if seq-lastSequence < interval {
				continue
			}
			if err := takeSnapshot(ctx, eng, vault, fund, mgr, metrics); err != nil {
				log.Printf("ERROR: snapshot at sequence %d: %v", seq, err)
				continue
			}
			lastSequence = seq
			log.Printf("snapshot taken at sequence %d", seq)
		}
	}
}

// publishEngineGauges refreshes the reserve-health gauges. Gauge precision is
// float64; the exact values stay on the query surface.
func publishEngineGauges(eng *engine.Engine, metrics *observability.Metrics) {
	st := eng.ReserveSnapshot()
	metrics.LiquidityIndex.Set(scaledFloat(st.LiquidityIndex, fixedpoint.Ray))
	metrics.UsageIndex.Set(scaledFloat(st.UsageIndex, fixedpoint.Ray))
	metrics.PrimeRate.Set(scaledFloat(st.PrimeRate, fixedpoint.Ray))
	if util, err := eng.Utilization(); err == nil {
		metrics.Utilization.Set(scaledFloat(util, fixedpoint.Ray))
	}
	if dust, err := eng.DustSurplus(); err == nil {
		metrics.DustSurplus.Set(scaledFloat(dust, fixedpoint.Wad))
	}
	metrics.ActiveLiquidations.Set(float64(eng.ActiveLiquidationCount()))
}

func scaledFloat(v, scale *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(scale)).Float64()
	return f
}

// takeSnapshot persists the live state and marks it verified immediately; it
// was exported from memory, not rebuilt, so there is nothing to re-check.
func takeSnapshot(
	ctx context.Context,
	eng *engine.Engine,
	vault *custody.Vault,
	fund *backstop.Fund,
	mgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	core := eng.ExportSnapshot()
	owners, pinned := vault.Snapshot()
	snap := serviceSnapshot{
		Core:            core,
		VaultOwners:     owners,
		VaultPinned:     pinned,
		BackstopBalance: fund.Balance().String(),
	}
	if err := mgr.SaveSnapshot(ctx, core.Sequence, snap); err != nil {
		return err
	}
	if err := mgr.MarkVerified(ctx, core.Sequence); err != nil {
		return err
	}
	metrics.SnapshotTaken.Inc()
	return nil
}
