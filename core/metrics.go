package core

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthLogger records operator-facing JSON logs and exports the statistics
// the scheduler's periodic activities gather: peer states, node-reported
// peer counters, and drain outcomes.
type HealthLogger struct {
	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry *prometheus.Registry

	peerTotalGauge        prometheus.Gauge
	peerStateGauge        *prometheus.GaugeVec
	peerCountersGauge     *prometheus.GaugeVec
	groupsInFlightGauge   prometheus.Gauge
	submittedCounter      prometheus.Counter
	retriedCounter        prometheus.Counter
	evictedInsaneCounter  prometheus.Counter
	evictedStaleCounter   prometheus.Counter
	correlationErrCounter prometheus.Counter
	socketsDroppedCounter prometheus.Counter
	errorCounter          prometheus.Counter
}

// NewHealthLogger configures a HealthLogger writing JSON logs to path.
func NewHealthLogger(path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{log: lg, file: f, registry: reg}

	h.peerTotalGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blockperf_peers_total",
		Help: "Number of peers currently tracked.",
	})
	h.peerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blockperf_peers_by_state",
		Help: "Peer count by direction and connection state.",
	}, []string{"direction", "state"})
	h.peerCountersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blockperf_node_peer_counters",
		Help: "Peer-selection counters as reported by the node itself.",
	}, []string{"bucket"})
	h.groupsInFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blockperf_block_sample_groups_in_flight",
		Help: "Number of block-sample groups awaiting completion or submission.",
	})
	h.submittedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockperf_block_samples_submitted_total",
		Help: "Total block samples successfully submitted to the collector.",
	})
	h.retriedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockperf_block_samples_retried_total",
		Help: "Total drain passes that retained a group for retry after a transient submit failure.",
	})
	h.evictedInsaneCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockperf_block_samples_evicted_insane_total",
		Help: "Total block-sample groups evicted for failing sanity bounds or a permanent submit error.",
	})
	h.evictedStaleCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockperf_block_samples_evicted_incomplete_total",
		Help: "Total incomplete block-sample groups evicted past the max-age ceiling.",
	})
	h.correlationErrCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockperf_correlation_errors_total",
		Help: "Total CompletedBlockFetch events with no matching SendFetchRequest.",
	})
	h.socketsDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockperf_peers_dropped_on_reconcile_total",
		Help: "Total peers removed because they no longer appear in the OS socket snapshot.",
	})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockperf_log_errors_total",
		Help: "Total error-level events logged.",
	})

	reg.MustRegister(
		h.peerTotalGauge,
		h.peerStateGauge,
		h.peerCountersGauge,
		h.groupsInFlightGauge,
		h.submittedCounter,
		h.retriedCounter,
		h.evictedInsaneCounter,
		h.evictedStaleCounter,
		h.correlationErrCounter,
		h.socketsDroppedCounter,
		h.errorCounter,
	)

	return h, nil
}

// Close releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// LogEvent records an arbitrary message with the specified log level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	if level >= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// RecordPeerStats updates the peer gauges from a peer-tracker snapshot.
func (h *HealthLogger) RecordPeerStats(stats PeerStats) {
	h.peerTotalGauge.Set(float64(stats.Total))
	for state, count := range stats.Inbound {
		h.peerStateGauge.WithLabelValues("inbound", state.String()).Set(float64(count))
	}
	for state, count := range stats.Outbound {
		h.peerStateGauge.WithLabelValues("outbound", state.String()).Set(float64(count))
	}
}

// RecordPeerCounters updates the node-reported peer-selection gauges from a
// PeerCounters event.
func (h *HealthLogger) RecordPeerCounters(idle, cold, warm, hot int) {
	h.peerCountersGauge.WithLabelValues("idle").Set(float64(idle))
	h.peerCountersGauge.WithLabelValues("cold").Set(float64(cold))
	h.peerCountersGauge.WithLabelValues("warm").Set(float64(warm))
	h.peerCountersGauge.WithLabelValues("hot").Set(float64(hot))
}

// RecordDrainStats folds one Drain call's outcome into the running
// counters and the in-flight gauge.
func (h *HealthLogger) RecordDrainStats(groupsInFlight int, stats DrainStats) {
	h.groupsInFlightGauge.Set(float64(groupsInFlight))
	h.submittedCounter.Add(float64(stats.Submitted))
	h.retriedCounter.Add(float64(stats.Retried))
	h.evictedInsaneCounter.Add(float64(stats.EvictedInsane))
	h.evictedStaleCounter.Add(float64(stats.EvictedIncomplete))
}

// RecordCorrelationError increments the correlation-error counter.
func (h *HealthLogger) RecordCorrelationError() {
	h.correlationErrCounter.Inc()
}

// RecordSocketsDropped increments the reconciliation-drop counter.
func (h *HealthLogger) RecordSocketsDropped(n int) {
	h.socketsDroppedCounter.Add(float64(n))
}

// StartMetricsServer exposes the Prometheus metrics endpoint and a basic
// health probe on addr.
func (h *HealthLogger) StartMetricsServer(addr string) (*http.Server, error) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
