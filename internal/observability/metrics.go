package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
// Callers nil-check the pointer; SetChannelMetrics accepts a nil receiver.
type Metrics struct {
	// --- Core processing ---
	BatchesProcessed *prometheus.CounterVec
	RecordsProcessed *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	BatchSize        prometheus.Histogram
	FatalAborts      *prometheus.CounterVec
	AdminCalls       *prometheus.CounterVec
	TxCounter        prometheus.Gauge
	CommitSequence   prometheus.Gauge
	EventsEmitted    *prometheus.CounterVec

	// --- Economics ---
	InsuranceFundBalance prometheus.Gauge
	TradingFees          prometheus.Gauge
	SequencerFees        prometheus.Gauge
	Liquidations         *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Ingestion & WAL ---
	BatchesReceived   *prometheus.CounterVec
	BatchDuplicates   *prometheus.CounterVec
	IngestLag         prometheus.Histogram
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter
	WALAppends        *prometheus.CounterVec
	ReplayEntries     prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Core processing
		BatchesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_batches_processed_total",
			Help: "Sequencer batches by result (committed/aborted)",
		}, []string{"result"}),

		RecordsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_records_processed_total",
			Help: "Operation records by type and status",
		}, []string{"op", "status"}),

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_batch_duration_seconds",
			Help:    "Time to apply one batch in the core",
			Buckets: latencyBuckets,
		}),

		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_batch_size_records",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		FatalAborts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_fatal_aborts_total",
			Help: "Batches aborted and reverted, by error codespace",
		}, []string{"codespace"}),

		AdminCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_admin_calls_total",
			Help: "Admin entry point calls by command and result",
		}, []string{"command", "result"}),

		TxCounter: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_tx_counter",
			Help: "Next expected sequencer txId",
		}),

		CommitSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_commit_sequence",
			Help: "Last committed unit (batch or admin call)",
		}),

		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_events_emitted_total",
			Help: "Committed events by type",
		}, []string{"event_type"}),

		// Economics
		InsuranceFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_insurance_fund_balance",
			Help: "Insurance fund balance in collateral units",
		}),

		TradingFees: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_trading_fees_accrued",
			Help: "Unclaimed trading fees in collateral units",
		}),

		SequencerFees: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_sequencer_fees_accrued",
			Help: "Unclaimed sequencer fees in collateral units",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_liquidations_total",
			Help: "Collateral liquidation records by status",
		}, []string{"status"}),

		// Channel & backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Ingestion & WAL
		BatchesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_batches_received_total",
			Help: "Batches received by source",
		}, []string{"source"}),

		BatchDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_batch_duplicates_total",
			Help: "Redelivered batches skipped, by dedup tier",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		WALAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_wal_appends_total",
			Help: "WAL entries appended by kind",
		}, []string{"kind"}),

		IngestLag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_ingest_lag_seconds",
			Help:    "Time from batch receipt to acknowledgement",
			Buckets: prometheus.DefBuckets,
		}),

		ReplayEntries: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_replay_entries_total",
			Help: "WAL entries replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_size",
			Help:    "Events per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_persist_last_sequence",
			Help: "Last persisted event sequence",
		}),

		// Projections
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
