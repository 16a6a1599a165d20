package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	ruleDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	uploadSizeBuckets   = []float64{10240, 102400, 1048576, 5242880, 10485760, 52428800}
)

// Metrics holds all Prometheus metric instruments of the service. A nil
// *Metrics records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal        *prometheus.CounterVec
	WorkflowAdvancesTotal      *prometheus.CounterVec
	WorkflowValidationFailures *prometheus.CounterVec
	WorkflowNavigationsTotal   *prometheus.CounterVec
	WorkflowCompletionsTotal   *prometheus.CounterVec
	WorkflowActiveInstances    *prometheus.GaugeVec
	WorkflowExpiredTotal       *prometheus.CounterVec
	WorkflowSweepDuration      prometheus.Histogram

	// Decision metrics
	DecisionsRecordedTotal *prometheus.CounterVec
	DecisionRuleDuration   *prometheus.HistogramVec
	DecisionRuleFailures   *prometheus.CounterVec

	// Document metrics
	DocumentUploadsTotal       *prometheus.CounterVec
	DocumentUploadSizeBytes    *prometheus.HistogramVec
	DocumentVerificationsTotal *prometheus.CounterVec

	// System metrics
	DefinitionsLoaded       prometheus.Gauge
	IdempotencyReplaysTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepper_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepper_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepper_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_workflow_starts_total",
			Help: "Total number of workflow instances created.",
		}, []string{"workflow_id"}),
		WorkflowAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_workflow_advances_total",
			Help: "Total number of successful step advances.",
		}, []string{"workflow_id", "step_id"}),
		WorkflowValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_workflow_validation_failures_total",
			Help: "Total number of advances rejected by step validation.",
		}, []string{"workflow_id", "step_id"}),
		WorkflowNavigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_workflow_navigations_total",
			Help: "Total number of retreats and jumps.",
		}, []string{"workflow_id", "action"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_workflow_completions_total",
			Help: "Total number of instances that reached a final status.",
		}, []string{"workflow_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stepper_workflow_active_instances",
			Help: "Number of active workflow instances created by this process.",
		}, []string{"workflow_id"}),
		WorkflowExpiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_workflow_expired_total",
			Help: "Total number of instances expired by the sweeper.",
		}, []string{"workflow_id"}),
		WorkflowSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stepper_workflow_sweep_duration_seconds",
			Help:    "Expiry sweep duration in seconds.",
			Buckets: httpDurationBuckets,
		}),

		// Decisions
		DecisionsRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_decisions_recorded_total",
			Help: "Total number of decision outcomes recorded.",
		}, []string{"workflow_id", "decision", "outcome", "source"}),
		DecisionRuleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepper_decision_rule_duration_seconds",
			Help:    "Decision rule evaluation duration in seconds.",
			Buckets: ruleDurationBuckets,
		}, []string{"workflow_id", "decision"}),
		DecisionRuleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_decision_rule_failures_total",
			Help: "Total number of failed decision rule evaluations.",
		}, []string{"workflow_id", "decision"}),

		// Documents
		DocumentUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_document_uploads_total",
			Help: "Total number of document uploads.",
		}, []string{"workflow_id", "slot_id", "status"}),
		DocumentUploadSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepper_document_upload_size_bytes",
			Help:    "Size of stored documents in bytes.",
			Buckets: uploadSizeBuckets,
		}, []string{"workflow_id"}),
		DocumentVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_document_verifications_total",
			Help: "Total number of document verification results.",
		}, []string{"workflow_id", "result"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepper_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepper_idempotency_replays_total",
			Help: "Total number of responses replayed for a repeated idempotency key.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowAdvancesTotal,
		m.WorkflowValidationFailures,
		m.WorkflowNavigationsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowExpiredTotal,
		m.WorkflowSweepDuration,
		// Decisions
		m.DecisionsRecordedTotal,
		m.DecisionRuleDuration,
		m.DecisionRuleFailures,
		// Documents
		m.DocumentUploadsTotal,
		m.DocumentUploadSizeBytes,
		m.DocumentVerificationsTotal,
		// System
		m.DefinitionsLoaded,
		m.IdempotencyReplaysTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a new instance.
func (m *Metrics) RecordWorkflowStart(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(workflowID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordWorkflowAdvance records a step that passed validation.
func (m *Metrics) RecordWorkflowAdvance(workflowID, stepID string) {
	if m == nil {
		return
	}
	m.WorkflowAdvancesTotal.WithLabelValues(workflowID, stepID).Inc()
}

// RecordValidationFailure records an advance rejected by validation.
func (m *Metrics) RecordValidationFailure(workflowID, stepID string) {
	if m == nil {
		return
	}
	m.WorkflowValidationFailures.WithLabelValues(workflowID, stepID).Inc()
}

// RecordNavigation records a retreat or jump.
func (m *Metrics) RecordNavigation(workflowID, action string) {
	if m == nil {
		return
	}
	m.WorkflowNavigationsTotal.WithLabelValues(workflowID, action).Inc()
}

// RecordWorkflowCompletion records an instance reaching a final status.
func (m *Metrics) RecordWorkflowCompletion(workflowID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(workflowID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
}

// RecordWorkflowReopened records a completed instance that became active
// again after a retreat or jump.
func (m *Metrics) RecordWorkflowReopened(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordWorkflowExpired records an instance expired by the sweeper.
func (m *Metrics) RecordWorkflowExpired(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowExpiredTotal.WithLabelValues(workflowID).Inc()
}

// RecordSweep records the duration of one expiry sweep.
func (m *Metrics) RecordSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowSweepDuration.Observe(duration.Seconds())
}

// RecordDecision records a decision outcome. source is "rule" or "caller".
func (m *Metrics) RecordDecision(workflowID, decision, outcome, source string) {
	if m == nil {
		return
	}
	m.DecisionsRecordedTotal.WithLabelValues(workflowID, decision, outcome, source).Inc()
}

// RecordDecisionRule records one rule evaluation.
func (m *Metrics) RecordDecisionRule(workflowID, decision string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.DecisionRuleDuration.WithLabelValues(workflowID, decision).Observe(duration.Seconds())
	if err != nil {
		m.DecisionRuleFailures.WithLabelValues(workflowID, decision).Inc()
	}
}

// RecordUpload records a document upload. status is "stored" or "failed".
func (m *Metrics) RecordUpload(workflowID, slotID, status string, size int64) {
	if m == nil {
		return
	}
	m.DocumentUploadsTotal.WithLabelValues(workflowID, slotID, status).Inc()
	if status == "stored" {
		m.DocumentUploadSizeBytes.WithLabelValues(workflowID).Observe(float64(size))
	}
}

// RecordVerification records a verifier's judgement. result is "verified"
// or "rejected".
func (m *Metrics) RecordVerification(workflowID, result string) {
	if m == nil {
		return
	}
	m.DocumentVerificationsTotal.WithLabelValues(workflowID, result).Inc()
}

// SetDefinitionsLoaded sets the number of loaded workflow definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// RecordIdempotencyReplay records a replayed response.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := NewStatusRecorder(w)

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, RoutePattern(r), sw.Status(), time.Since(start), reqSize, sw.Size())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RoutePattern returns the chi route pattern that matched r, such as
// /v1/instances/{instanceId}/advance, or the raw path before routing.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// StatusRecorder remembers the status code and body size written through
// it. A handler that never calls WriteHeader reports 200.
type StatusRecorder struct {
	http.ResponseWriter
	status  int
	size    int
	written bool
}

// NewStatusRecorder wraps w.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status is the response status code.
func (w *StatusRecorder) Status() int { return w.status }

// Size is the number of body bytes written.
func (w *StatusRecorder) Size() int { return w.size }

func (w *StatusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}
