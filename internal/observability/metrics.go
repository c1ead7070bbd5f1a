// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Feed metrics
	FramesReceived *prometheus.CounterVec
	FrameErrors    prometheus.Counter
	FeedReconnects prometheus.Counter
	FeedConnected  prometheus.Gauge

	// Decode metrics
	PayloadsDecoded *prometheus.CounterVec
	DecodeFailures  prometheus.Counter
	TradesRejected  *prometheus.CounterVec

	// Queue metrics
	QueueDepth prometheus.Gauge
	QueueShed  prometheus.Counter

	// Persistence metrics
	BatchesTotal       *prometheus.CounterVec
	BatchDuration      prometheus.Histogram
	TradesInserted     prometheus.Counter
	TokensCreated      prometheus.Counter
	ConsecutiveFailure prometheus.Gauge
	SinkErrors         *prometheus.CounterVec

	// Metadata metrics
	MetadataFetches *prometheus.CounterVec
	MetadataSpacing prometheus.Gauge
	MetadataPending prometheus.Gauge

	// Oracle metrics
	OracleRefreshes *prometheus.CounterVec
	SolUsdPrice     prometheus.Gauge

	// Retention metrics
	TradesPruned prometheus.Counter

	// Health metrics
	LastSuccessfulBatch prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pumpfeed"
	}

	return &Metrics{
		// Feed metrics
		FramesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_received_total",
			Help:      "Total number of protocol units received by kind",
		}, []string{"kind"}),
		FrameErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frame_errors_total",
			Help:      "Total number of malformed protocol lines skipped",
		}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of feed reconnections",
		}),
		FeedConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 while the feed socket is connected",
		}),

		// Decode metrics
		PayloadsDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "payloads_decoded_total",
			Help:      "Total number of payloads decoded by the strategy that succeeded",
		}, []string{"strategy"}),
		DecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "failures_total",
			Help:      "Total number of payloads that could not be decoded",
		}),
		TradesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "trades_rejected_total",
			Help:      "Total number of trades rejected by the normalizer by reason",
		}, []string{"reason"}),

		// Queue metrics
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "queue_depth",
			Help:      "Current number of trades waiting in the ingest queue",
		}),
		QueueShed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "queue_shed_total",
			Help:      "Total number of oldest trades dropped because the queue was full",
		}),

		// Persistence metrics
		BatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "batches_total",
			Help:      "Total number of persisted batches by outcome",
		}, []string{"outcome"}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "batch_duration_seconds",
			Help:      "Batch persistence duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		TradesInserted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "trades_inserted_total",
			Help:      "Total number of trade rows actually inserted",
		}),
		TokensCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "tokens_created_total",
			Help:      "Total number of token rows created",
		}),
		ConsecutiveFailure: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "consecutive_failures",
			Help:      "Number of batch failures since the last success",
		}),
		SinkErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "sink_errors_total",
			Help:      "Total number of trade sink write errors by sink",
		}, []string{"sink"}),

		// Metadata metrics
		MetadataFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "fetches_total",
			Help:      "Total number of metadata fetch attempts by outcome",
		}, []string{"outcome"}),
		MetadataSpacing: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "request_spacing_seconds",
			Help:      "Current minimum spacing between provider requests",
		}),
		MetadataPending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "pending_jobs",
			Help:      "Number of mints waiting for enrichment",
		}),

		// Oracle metrics
		OracleRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "refreshes_total",
			Help:      "Total number of price refreshes by outcome",
		}, []string{"outcome"}),
		SolUsdPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "sol_usd",
			Help:      "Last SOL/USD price served",
		}),

		// Retention metrics
		TradesPruned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "trades_pruned_total",
			Help:      "Total number of trades deleted by retention",
		}),

		// Health metrics
		LastSuccessfulBatch: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_batch_timestamp",
			Help:      "Unix timestamp of last successfully persisted batch",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordFrame counts a protocol unit received from the feed.
func RecordFrame(kind string) {
	DefaultMetrics.FramesReceived.WithLabelValues(kind).Inc()
}

// RecordFrameError counts a skipped malformed line.
func RecordFrameError() {
	DefaultMetrics.FrameErrors.Inc()
}

// RecordReconnect counts a feed reconnection.
func RecordReconnect() {
	DefaultMetrics.FeedReconnects.Inc()
}

// SetFeedConnected updates the feed connection gauge.
func SetFeedConnected(connected bool) {
	if connected {
		DefaultMetrics.FeedConnected.Set(1)
		return
	}
	DefaultMetrics.FeedConnected.Set(0)
}

// RecordDecoded counts a decoded payload by strategy.
func RecordDecoded(strategy string) {
	DefaultMetrics.PayloadsDecoded.WithLabelValues(strategy).Inc()
}

// RecordDecodeFailure counts a dropped payload.
func RecordDecodeFailure() {
	DefaultMetrics.DecodeFailures.Inc()
}

// RecordRejected counts a trade dropped by the normalizer.
func RecordRejected(reason string) {
	DefaultMetrics.TradesRejected.WithLabelValues(reason).Inc()
}

// UpdateQueue updates the queue depth gauge.
func UpdateQueue(depth int) {
	DefaultMetrics.QueueDepth.Set(float64(depth))
}

// RecordShed counts trades dropped by the queue bound.
func RecordShed(n int) {
	DefaultMetrics.QueueShed.Add(float64(n))
}

// RecordBatch records a batch outcome and its duration.
func RecordBatch(outcome string, d time.Duration) {
	DefaultMetrics.BatchesTotal.WithLabelValues(outcome).Inc()
	DefaultMetrics.BatchDuration.Observe(d.Seconds())
	if outcome == "ok" {
		DefaultMetrics.LastSuccessfulBatch.SetToCurrentTime()
	}
}

// RecordPersisted counts rows actually written by a batch.
func RecordPersisted(tokensCreated int, tradesInserted int64) {
	DefaultMetrics.TokensCreated.Add(float64(tokensCreated))
	DefaultMetrics.TradesInserted.Add(float64(tradesInserted))
}

// UpdateConsecutiveFailures updates the batch failure streak gauge.
func UpdateConsecutiveFailures(n int) {
	DefaultMetrics.ConsecutiveFailure.Set(float64(n))
}

// RecordSinkError counts a failed write to a trade sink.
func RecordSinkError(sink string) {
	DefaultMetrics.SinkErrors.WithLabelValues(sink).Inc()
}

// RecordMetadataFetch counts a metadata fetch by outcome.
func RecordMetadataFetch(outcome string) {
	DefaultMetrics.MetadataFetches.WithLabelValues(outcome).Inc()
}

// UpdateMetadataSpacing updates the provider spacing gauge.
func UpdateMetadataSpacing(d time.Duration) {
	DefaultMetrics.MetadataSpacing.Set(d.Seconds())
}

// UpdateMetadataPending updates the pending jobs gauge.
func UpdateMetadataPending(n int) {
	DefaultMetrics.MetadataPending.Set(float64(n))
}

// RecordOracleRefresh counts a price refresh and the price served.
func RecordOracleRefresh(outcome string, price float64) {
	DefaultMetrics.OracleRefreshes.WithLabelValues(outcome).Inc()
	if price > 0 {
		DefaultMetrics.SolUsdPrice.Set(price)
	}
}

// RecordPruned counts trades deleted by retention.
func RecordPruned(n int64) {
	DefaultMetrics.TradesPruned.Add(float64(n))
}
