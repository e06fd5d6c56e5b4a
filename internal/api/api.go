// Package api exposes the operator-facing HTTP surface: submit, inspect,
// and cancel workflows, and list registered providers. Grounded on the
// api-gateway's gateway_v2.go request-handling shape — a struct holding
// OTel counters/histograms, logging middleware wrapping a plain
// net/http.ServeMux, a single rate limiter shared by all callers in front of
// the submit endpoint — generalized from forwarding requests to downstream services
// into calling the engine directly.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/leifmarkthaler/gleitzeit/internal/engine"
	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

const serviceName = "gleitzeit-api"

// Server is the operator API's HTTP handler collection.
type Server struct {
	eng    *engine.Engine
	logger *slog.Logger
	limit  *resilience.Limiter

	reqCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
	rlDenied    metric.Int64Counter
	valFail     metric.Int64Counter
}

// New constructs a Server. limiter gates submit_workflow only; pass nil to
// disable rate limiting (tests, mostly).
func New(eng *engine.Engine, logger *slog.Logger, limiter *resilience.Limiter, meter metric.Meter) *Server {
	reqCounter, _ := meter.Int64Counter("gleitzeit_api_requests_total")
	latencyHist, _ := meter.Float64Histogram("gleitzeit_api_latency_ms")
	rlDenied, _ := meter.Int64Counter("gleitzeit_api_rate_limited_total")
	valFail, _ := meter.Int64Counter("gleitzeit_api_validation_failed_total")
	return &Server{
		eng:         eng,
		logger:      logger,
		limit:       limiter,
		reqCounter:  reqCounter,
		latencyHist: latencyHist,
		rlDenied:    rlDenied,
		valFail:     valFail,
	}
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/workflows", s.handleWorkflowsCollection)
	mux.HandleFunc("/v1/workflows/", s.handleWorkflowItem)
	mux.HandleFunc("/v1/providers", s.handleListProviders)
	return s.loggingMiddleware(mux)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.Tracer(serviceName).Start(r.Context(), r.URL.Path)
		defer span.End()

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		duration := float64(time.Since(start).Milliseconds())
		s.reqCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rw.status),
		))
		s.latencyHist.Record(ctx, duration, metric.WithAttributes(attribute.String("path", r.URL.Path)))
		s.logger.Info("request completed", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration_ms", duration)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

// handleWorkflowsCollection handles POST /v1/workflows (submit) and
// GET /v1/workflows (list).
func (s *Server) handleWorkflowsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.limit != nil && !s.limit.Allow(ctx) {
		s.rlDenied.Add(ctx, 1)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20)) // 2MB document limit
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	workflow, err := task.ParseDocument(body)
	if err != nil {
		s.valFail.Add(ctx, 1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	id, err := s.eng.SubmitWorkflow(ctx, workflow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	cursor := r.URL.Query().Get("cursor")

	workflows, next, err := s.eng.ListWorkflows(r.Context(), limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": workflows, "next_cursor": next})
}

// handleWorkflowItem routes /v1/workflows/{id}, /v1/workflows/{id}/results,
// and /v1/workflows/{id}/cancel.
func (s *Server) handleWorkflowItem(w http.ResponseWriter, r *http.Request) {
	id, sub := splitWorkflowPath(r.URL.Path)
	if id == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		wf, err := s.eng.GetWorkflowStatus(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)

	case sub == "results" && r.Method == http.MethodGet:
		results, err := s.eng.GetWorkflowResults(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)

	case sub == "cancel" && r.Method == http.MethodPost:
		force := r.URL.Query().Get("force") == "true"
		if err := s.eng.CancelWorkflow(r.Context(), id, force); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.eng.ListProviders()})
}

// splitWorkflowPath parses "/v1/workflows/{id}[/{sub}]" into (id, sub).
func splitWorkflowPath(path string) (id, sub string) {
	const prefix = "/v1/workflows/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

// writeError maps an errkind.Error to the appropriate HTTP status.
func writeError(w http.ResponseWriter, err error) {
	var ke *errkind.Error
	if !errors.As(err, &ke) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch ke.Kind {
	case errkind.KindValidation, errkind.KindDependencyCycle:
		status = http.StatusBadRequest
	case errkind.KindProtocolNotFound, errkind.KindMethodNotSupported:
		status = http.StatusNotFound
	case errkind.KindProviderUnavailable, errkind.KindProviderUnhealthy, errkind.KindBackpressure:
		status = http.StatusServiceUnavailable
	case errkind.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": ke.Kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
