package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ReserveLedger.
type Metrics struct {
	// --- Engine operations ---
	OperationsTotal   *prometheus.CounterVec
	OperationsFailed  *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	EngineSequence    prometheus.Gauge

	// --- Reserve health ---
	Utilization        prometheus.Gauge
	LiquidityIndex     prometheus.Gauge
	UsageIndex         prometheus.Gauge
	PrimeRate          prometheus.Gauge
	DustSurplus        prometheus.Gauge
	ActiveLiquidations prometheus.Gauge

	// --- Ingestion ---
	PricesApplied prometheus.Counter
	PricesDropped *prometheus.CounterVec
	IngestLatency *prometheus.HistogramVec
	PublishDrops  prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge
	SnapshotTaken        prometheus.Counter
	ReplayEventsTotal    prometheus.Counter

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all Prometheus metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric bundle on an explicit registerer. Tests
// pass a fresh registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	latencyBuckets := []float64{
		0.000025, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.002, 0.005, 0.01, 0.025, 0.05,
	}

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reserve_operations_total",
			Help: "Engine operations committed",
		}, []string{"operation"}),

		OperationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reserve_operations_failed_total",
			Help: "Engine operations rejected (validation, health, liquidity)",
		}, []string{"operation", "reason"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reserve_operation_duration_seconds",
			Help:    "Time to execute one engine operation",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		EngineSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reserve_engine_sequence",
			Help: "Last committed event sequence",
		}),

		Utilization: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reserve_utilization_ratio",
			Help: "Debt face over liquidity face, 0.0-1.0",
		}),

		LiquidityIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reserve_liquidity_index",
			Help: "Liquidity accrual index, RAY scaled down to float",
		}),

		UsageIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reserve_usage_index",
			Help: "Debt accrual index, RAY scaled down to float",
		}),

		PrimeRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reserve_prime_rate",
			Help: "Current prime rate as a fraction",
		}),

		DustSurplus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reserve_dust_surplus_wad",
			Help: "Sweepable accrual residue in WAD units",
		}),

		ActiveLiquidations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reserve_active_liquidations",
			Help: "Open liquidation grace windows",
		}),

		PricesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "reserve_prices_applied_total",
			Help: "Collateral price updates accepted into the oracle store",
		}),

		PricesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reserve_prices_dropped_total",
			Help: "Price updates dropped (parse, sequence regression)",
		}, []string{"reason"}),

		IngestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reserve_ingest_latency_seconds",
			Help:    "NATS receive to oracle apply",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "reserve_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "reserve_persist_events_written_total",
			Help: "Events written to the Postgres log",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reserve_persist_batch_size",
			Help:    "Events per write batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reserve_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reserve_persist_errors_total",
			Help: "Postgres write failures by kind",
		}, []string{"kind"}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reserve_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "reserve_snapshot_taken_total",
			Help: "Reserve snapshots written",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "reserve_replay_events_total",
			Help: "Events replayed during warm start",
		}),

		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reserve_api_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		APIDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reserve_api_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"route"}),
	}
}
