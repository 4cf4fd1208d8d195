// metrics.go — the runtime metrics surface (SPEC_FULL.md §5 "Observability"):
// per-rule histograms/counters, receiver/router/evictor/dispatch counters,
// and a /metrics HTTP endpoint.
//
// Grounded on original_source/crates/wf-runtime/src/metrics.rs (metric
// family names and label shapes: wf_rule_events_total, wf_rule_matches_total,
// wf_rule_instances, wf_alert_emitted_total, wf_evictor_*_total,
// wf_window_memory_bytes, wf_rule_scan_timeout_seconds, wf_rule_flush_seconds)
// re-expressed with github.com/prometheus/client_golang instead of the
// Rust file's hand-rolled atomic/text-exposition format — following the
// prometheus.CounterVec/HistogramVec/GaugeVec + promhttp.Handler idiom used
// in the pack (other_examples/etalazz-vsa cmd/tfd-sim, cmd/tfd-proxy), and
// the teacher's own startHTTPServer/net.Listen-then-Serve shape
// (cmd/gasoline-cmd/main_connection_mcp.go) for the exposition server.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// defaultBuckets mirrors the Rust core's DEFAULT_HISTOGRAM_BUCKETS_SECONDS.
var defaultBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0}

// Metrics is the process-wide collector set. All fields are safe for
// concurrent use (client_golang vectors are lock-free-ish internally).
type Metrics struct {
	registry *prometheus.Registry

	ReceiverConnectionsTotal prometheus.Counter
	ReceiverFramesTotal      prometheus.Counter
	ReceiverRowsTotal        prometheus.Counter
	ReceiverDecodeErrors     prometheus.Counter
	ReceiverReadErrors       prometheus.Counter
	ReceiverDecodeSeconds    prometheus.Histogram

	RouterRouteCallsTotal     prometheus.Counter
	RouterDeliveredTotal      prometheus.Counter
	RouterDroppedLateTotal    prometheus.Counter
	RouterSkippedNonLocal     prometheus.Counter
	RouterRouteErrorsTotal    prometheus.Counter

	RuleEventsTotal     *prometheus.CounterVec
	RuleMatchesTotal    *prometheus.CounterVec
	RuleInstances       *prometheus.GaugeVec
	RuleCursorGapTotal  *prometheus.CounterVec
	RuleScanTimeoutSecs *prometheus.HistogramVec
	RuleFlushSeconds    *prometheus.HistogramVec

	AlertEmittedTotal          *prometheus.CounterVec
	AlertChannelSendFailed     prometheus.Counter
	AlertSerializeFailedTotal  prometheus.Counter
	AlertDispatchTotal         prometheus.Counter
	AlertDispatchSeconds       prometheus.Histogram

	EvictorSweepsTotal         prometheus.Counter
	EvictorTimeEvictedTotal    prometheus.Counter
	EvictorMemoryEvictedTotal  prometheus.Counter

	WindowMemoryBytes *prometheus.GaugeVec
	WindowRows        *prometheus.GaugeVec
	WindowBatches     *prometheus.GaugeVec
}

// New builds and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		ReceiverConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_receiver_connections_total", Help: "Accepted frame-receiver TCP connections.",
		}),
		ReceiverFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_receiver_frames_total", Help: "Decoded Arrow IPC frames.",
		}),
		ReceiverRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_receiver_rows_total", Help: "Rows decoded across all frames.",
		}),
		ReceiverDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_receiver_decode_errors_total", Help: "Frame decode failures.",
		}),
		ReceiverReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_receiver_read_errors_total", Help: "Connection read failures.",
		}),
		ReceiverDecodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "wf_receiver_decode_seconds", Help: "Frame decode latency.", Buckets: defaultBuckets,
		}),

		RouterRouteCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_router_route_calls_total", Help: "Router.Route invocations.",
		}),
		RouterDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_router_delivered_total", Help: "Rows delivered to a matching window.",
		}),
		RouterDroppedLateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_router_dropped_late_total", Help: "Rows dropped for exceeding allowed lateness.",
		}),
		RouterSkippedNonLocal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_router_skipped_non_local_total", Help: "Rows skipped for a non-local entity type.",
		}),
		RouterRouteErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_router_route_errors_total", Help: "Routing errors.",
		}),

		RuleEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wf_rule_events_total", Help: "Events advanced through a rule's match engine.",
		}, []string{"rule"}),
		RuleMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wf_rule_matches_total", Help: "Rule matches (event-phase completions without close steps).",
		}, []string{"rule"}),
		RuleInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wf_rule_instances", Help: "Live per-scope-key instances held by a rule.",
		}, []string{"rule"}),
		RuleCursorGapTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wf_rule_cursor_gap_total", Help: "Window-cursor gaps observed while scanning for a rule.",
		}, []string{"rule", "window"}),
		RuleScanTimeoutSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "wf_rule_scan_timeout_seconds", Help: "Latency of a rule's expired-instance scan.", Buckets: defaultBuckets,
		}, []string{"rule"}),
		RuleFlushSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "wf_rule_flush_seconds", Help: "Latency of a rule's CloseAll flush.", Buckets: defaultBuckets,
		}, []string{"rule"}),

		AlertEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wf_alert_emitted_total", Help: "Alerts emitted per rule.",
		}, []string{"rule"}),
		AlertChannelSendFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_alert_channel_send_failed_total", Help: "Alerts dropped because the dispatch channel was full.",
		}),
		AlertSerializeFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_alert_serialize_failed_total", Help: "Alerts that failed sink serialization.",
		}),
		AlertDispatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_alert_dispatch_total", Help: "Alerts handed to the sink.",
		}),
		AlertDispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "wf_alert_dispatch_seconds", Help: "Sink write latency.", Buckets: defaultBuckets,
		}),

		EvictorSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_evictor_sweeps_total", Help: "Evictor ticks run.",
		}),
		EvictorTimeEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_evictor_time_evicted_total", Help: "Batches evicted by watermark expiry.",
		}),
		EvictorMemoryEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wf_evictor_memory_evicted_total", Help: "Batches evicted under memory pressure.",
		}),

		WindowMemoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wf_window_memory_bytes", Help: "Estimated in-memory bytes held by a window.",
		}, []string{"window"}),
		WindowRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wf_window_rows", Help: "Rows held by a window.",
		}, []string{"window"}),
		WindowBatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wf_window_batches", Help: "Batches held by a window.",
		}, []string{"window"}),
	}

	reg.MustRegister(
		m.ReceiverConnectionsTotal, m.ReceiverFramesTotal, m.ReceiverRowsTotal,
		m.ReceiverDecodeErrors, m.ReceiverReadErrors, m.ReceiverDecodeSeconds,
		m.RouterRouteCallsTotal, m.RouterDeliveredTotal, m.RouterDroppedLateTotal,
		m.RouterSkippedNonLocal, m.RouterRouteErrorsTotal,
		m.RuleEventsTotal, m.RuleMatchesTotal, m.RuleInstances, m.RuleCursorGapTotal,
		m.RuleScanTimeoutSecs, m.RuleFlushSeconds,
		m.AlertEmittedTotal, m.AlertChannelSendFailed, m.AlertSerializeFailedTotal,
		m.AlertDispatchTotal, m.AlertDispatchSeconds,
		m.EvictorSweepsTotal, m.EvictorTimeEvictedTotal, m.EvictorMemoryEvictedTotal,
		m.WindowMemoryBytes, m.WindowRows, m.WindowBatches,
	)
	return m
}

// AddEvictReport folds an evictor.Report into the sweep/time/memory counters.
func (m *Metrics) AddEvictReport(batchesTimeEvicted, batchesMemoryEvicted int) {
	m.EvictorSweepsTotal.Inc()
	m.EvictorTimeEvictedTotal.Add(float64(batchesTimeEvicted))
	m.EvictorMemoryEvictedTotal.Add(float64(batchesMemoryEvicted))
}

// RecordReceiverConnection implements internal/frame.Recorder.
func (m *Metrics) RecordReceiverConnection() {
	m.ReceiverConnectionsTotal.Inc()
}

// RecordReceiverFrame implements internal/frame.Recorder.
func (m *Metrics) RecordReceiverFrame() {
	m.ReceiverFramesTotal.Inc()
}

// RecordReceiverRows implements internal/frame.Recorder.
func (m *Metrics) RecordReceiverRows(n int) {
	m.ReceiverRowsTotal.Add(float64(n))
}

// RecordReceiverDecodeError implements internal/frame.Recorder.
func (m *Metrics) RecordReceiverDecodeError() {
	m.ReceiverDecodeErrors.Inc()
}

// RecordReceiverReadError implements internal/frame.Recorder.
func (m *Metrics) RecordReceiverReadError() {
	m.ReceiverReadErrors.Inc()
}

// ObserveReceiverDecodeSeconds implements internal/frame.Recorder.
func (m *Metrics) ObserveReceiverDecodeSeconds(seconds float64) {
	m.ReceiverDecodeSeconds.Observe(seconds)
}

// RecordAlertEmitted implements internal/dispatch.Recorder.
func (m *Metrics) RecordAlertEmitted(rule string) {
	m.AlertEmittedTotal.WithLabelValues(rule).Inc()
}

// RecordAlertChannelSendFailed implements internal/dispatch.Recorder.
func (m *Metrics) RecordAlertChannelSendFailed() {
	m.AlertChannelSendFailed.Inc()
}

// RecordAlertSerializeFailed implements internal/dispatch.Recorder.
func (m *Metrics) RecordAlertSerializeFailed() {
	m.AlertSerializeFailedTotal.Inc()
}

// RecordAlertDispatched implements internal/dispatch.Recorder.
func (m *Metrics) RecordAlertDispatched(seconds float64) {
	m.AlertDispatchTotal.Inc()
	m.AlertDispatchSeconds.Observe(seconds)
}

// RecordRuleEvent increments the per-rule events-advanced counter (engine.Task).
func (m *Metrics) RecordRuleEvent(rule string) {
	m.RuleEventsTotal.WithLabelValues(rule).Inc()
}

// RecordRuleMatch increments the per-rule match counter (engine.Task).
func (m *Metrics) RecordRuleMatch(rule string) {
	m.RuleMatchesTotal.WithLabelValues(rule).Inc()
}

// SetRuleInstances sets the live-instance gauge for a rule (engine.Task).
func (m *Metrics) SetRuleInstances(rule string, n int) {
	m.RuleInstances.WithLabelValues(rule).Set(float64(n))
}

// RecordRuleCursorGap increments the cursor-gap counter for a rule/window pair.
func (m *Metrics) RecordRuleCursorGap(rule, window string) {
	m.RuleCursorGapTotal.WithLabelValues(rule, window).Inc()
}

// ObserveRuleScanTimeout records one ScanExpired call's latency for a rule.
func (m *Metrics) ObserveRuleScanTimeout(rule string, seconds float64) {
	m.RuleScanTimeoutSecs.WithLabelValues(rule).Observe(seconds)
}

// ObserveRuleFlush records one CloseAll flush's latency for a rule.
func (m *Metrics) ObserveRuleFlush(rule string, seconds float64) {
	m.RuleFlushSeconds.WithLabelValues(rule).Observe(seconds)
}

// Serve runs the Prometheus exposition HTTP server until ctx is cancelled,
// binding addr first so the caller can detect a failed bind before treating
// the task as started.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics: graceful shutdown failed", zap.Error(err))
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
