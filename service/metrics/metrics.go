package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the indexer.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics disables recording at the call sites.
type Metrics struct {
	// Solana RPC
	rpcCallsTotal         *prometheus.CounterVec
	rpcCallDuration       *prometheus.HistogramVec
	rpcRateLimitHits      *prometheus.CounterVec
	rpcRetries            *prometheus.CounterVec
	rpcSignaturesPerCall  *prometheus.HistogramVec
	rpcCircuitBreakerOpen *prometheus.GaugeVec

	// Poll loop
	ticksTotal        *prometheus.CounterVec
	tickDuration      prometheus.Histogram
	checkpointSlot    *prometheus.GaugeVec
	chainSlot         prometheus.Gauge
	transactionsTotal *prometheus.CounterVec

	// Processor
	instructionsTotal *prometheus.CounterVec
	resolutionsTotal  *prometheus.CounterVec

	// Database
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// Event sinks
	eventsPublished  *prometheus.CounterVec
	eventPublishTime *prometheus.HistogramVec

	// Ops HTTP
	httpRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fairswap_solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit responses (429)",
			},
			[]string{"endpoint"},
		),
		rpcRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		rpcSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fairswap_solana_rpc_signatures_per_call",
				Help:    "Number of signatures returned per getSignaturesForAddress page",
				Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"endpoint"},
		),
		rpcCircuitBreakerOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fairswap_solana_rpc_circuit_open",
				Help: "1 while the RPC circuit breaker is open, 0 otherwise",
			},
			[]string{"endpoint"},
		),

		ticksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_indexer_ticks_total",
				Help: "Total number of poll ticks by outcome",
			},
			[]string{"status"},
		),
		tickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fairswap_indexer_tick_duration_seconds",
				Help:    "Duration of a poll tick in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		checkpointSlot: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fairswap_indexer_checkpoint_slot",
				Help: "Last processed slot persisted by the indexer",
			},
			[]string{"indexer"},
		),
		chainSlot: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fairswap_indexer_chain_slot",
				Help: "Chain height observed at the start of the last tick",
			},
		),
		transactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_indexer_transactions_total",
				Help: "Total number of program transactions handled by outcome",
			},
			[]string{"status"},
		),

		instructionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_indexer_instructions_total",
				Help: "Total number of program instructions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		resolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_offer_resolutions_total",
				Help: "Total number of offer account resolutions by source and status",
			},
			[]string{"source", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fairswap_db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_events_published_total",
				Help: "Total number of projection events published by sink and status",
			},
			[]string{"sink", "status"},
		),
		eventPublishTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fairswap_event_publish_duration_seconds",
				Help:    "Duration of projection event publishes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"sink"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairswap_ops_http_requests_total",
				Help: "Total number of requests to the ops HTTP server",
			},
			[]string{"handler", "status"},
		),
	}
}

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.rpcRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.rpcRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCSignaturesPerCall records the size of one signature page.
func (m *Metrics) RecordRPCSignaturesPerCall(endpoint string, count float64) {
	m.rpcSignaturesPerCall.WithLabelValues(endpoint).Observe(count)
}

// RecordCircuitState records whether the RPC circuit breaker is open.
func (m *Metrics) RecordCircuitState(endpoint string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.rpcCircuitBreakerOpen.WithLabelValues(endpoint).Set(v)
}

// RecordTick records a completed poll tick.
func (m *Metrics) RecordTick(status string, duration float64) {
	m.ticksTotal.WithLabelValues(status).Inc()
	m.tickDuration.Observe(duration)
}

// RecordCheckpoint records the persisted checkpoint slot.
func (m *Metrics) RecordCheckpoint(indexer string, slot uint64) {
	m.checkpointSlot.WithLabelValues(indexer).Set(float64(slot))
}

// RecordChainSlot records the observed chain height.
func (m *Metrics) RecordChainSlot(slot uint64) {
	m.chainSlot.Set(float64(slot))
}

// RecordTransaction records the outcome of handling one transaction.
func (m *Metrics) RecordTransaction(status string) {
	m.transactionsTotal.WithLabelValues(status).Inc()
}

// RecordInstruction records the outcome of one decoded instruction.
func (m *Metrics) RecordInstruction(kind, outcome string) {
	m.instructionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordResolution records an offer resolution attempt.
func (m *Metrics) RecordResolution(source, status string) {
	m.resolutionsTotal.WithLabelValues(source, status).Inc()
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordEventPublish records one projection event delivery to a sink.
func (m *Metrics) RecordEventPublish(sink, status string, duration float64) {
	m.eventsPublished.WithLabelValues(sink, status).Inc()
	m.eventPublishTime.WithLabelValues(sink).Observe(duration)
}

// RecordHTTPRequest records a request to the ops server.
func (m *Metrics) RecordHTTPRequest(handler string, statusCode int) {
	m.httpRequestsTotal.WithLabelValues(handler, statusCodeToString(statusCode)).Inc()
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
