package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/edgelogger/internal/domain"
	"github.com/splax/edgelogger/internal/repository"
	"github.com/splax/edgelogger/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Options carries optional router dependencies.
type Options struct {
	// JWTSecret enables bearer authentication on query endpoints when set.
	JWTSecret string
	DBHealth  func(context.Context) error
	Hub       *ws.Hub
	// Registry receives HTTP metrics and backs /metrics. Defaults to the global registry.
	Registry *prometheus.Registry
}

// Router wires HTTP endpoints to the log store.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	logs      repository.LogReader
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	jwtSecret string
	dbHealth  func(context.Context) error

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, logs repository.LogReader, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		logs:   logs,
		hub:    opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		jwtSecret:  strings.TrimSpace(opts.JWTSecret),
		dbHealth:   opts.DBHealth,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	if opts.Registry != nil {
		r.registerer = opts.Registry
		r.gatherer = opts.Registry
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/machines/", r.audit("/machines/{machine_id}/logs", r.requireAuth(r.handleMachineLogs)))
	r.mux.HandleFunc("/logs/", r.audit("/logs/{id}", r.requireAuth(r.handleLog)))
	r.mux.HandleFunc("/readings", r.audit("/readings", r.requireAuth(r.handleReadings)))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.requireAuth(r.handleLogsWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// handleMachineLogs serves GET /machines/{machine_id}/logs.
func (r *Router) handleMachineLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/machines/")
	machineID, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != "logs" || strings.TrimSpace(machineID) == "" {
		r.notFound(w)
		return
	}
	if !r.authorizeMachine(w, req, machineID) {
		return
	}
	query := req.URL.Query()
	limit, err := intParam(query.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	logs, err := r.logs.ListLogsByMachine(req.Context(), machineID, limit, offset)
	if err != nil {
		r.storeError(w, req, err)
		return
	}
	views := make([]logView, 0, len(logs))
	for _, entry := range logs {
		views = append(views, newLogView(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"machine_id": machineID,
		"logs":       views,
	})
}

// handleLog serves GET /logs/{id}.
func (r *Router) handleLog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rawID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/logs/"), "/")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "log id must be a positive integer")
		return
	}
	entry, err := r.logs.GetLog(req.Context(), id)
	if err != nil {
		r.storeError(w, req, err)
		return
	}
	if !r.authorizeMachine(w, req, entry.MachineID) {
		return
	}
	writeJSON(w, http.StatusOK, newLogView(*entry))
}

// handleReadings serves GET /readings?metric=&above=&limit=.
func (r *Router) handleReadings(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if claims, ok := claimsFromContext(req.Context()); ok && claims.Scoped() {
		writeError(w, http.StatusForbidden, "token is scoped to a single machine")
		return
	}
	query := req.URL.Query()
	metric := strings.TrimSpace(query.Get("metric"))
	if metric == "" {
		writeError(w, http.StatusBadRequest, "metric query parameter required")
		return
	}
	above := math.Inf(-1)
	if raw := strings.TrimSpace(query.Get("above")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(value) {
			writeError(w, http.StatusBadRequest, "above must be a number")
			return
		}
		above = value
	}
	limit, err := intParam(query.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	readings, err := r.logs.ListReadingsAboveThreshold(req.Context(), metric, above, limit)
	if err != nil {
		r.storeError(w, req, err)
		return
	}
	views := make([]readingView, 0, len(readings))
	for _, reading := range readings {
		views = append(views, newReadingView(reading))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metric":   metric,
		"readings": views,
	})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream disabled")
		return
	}
	machineID := strings.TrimSpace(req.URL.Query().Get("machine_id"))
	if machineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id query parameter required")
		return
	}
	if !r.authorizeMachine(w, req, machineID) {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(machineID, client)
	go func() {
		defer func() {
			r.hub.Unregister(machineID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) storeError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		r.logger.Debug("request canceled", "path", req.URL.Path)
	default:
		r.logger.Error("query failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if claims, ok := claimsFromContext(ctx); ok {
			actor = "token"
			if claims.Subject != "" {
				fields = append(fields, "subject", claims.Subject)
			}
			if claims.Scoped() {
				fields = append(fields, "scope_machine_id", claims.MachineID)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

type readingView struct {
	ID    int64   `json:"id"`
	LogID int64   `json:"log_id"`
	Name  string  `json:"metric_name"`
	Value float64 `json:"metric_value"`
}

type logView struct {
	ID        int64           `json:"id"`
	MachineID string          `json:"machine_id"`
	Timestamp string          `json:"timestamp"`
	CreatedAt string          `json:"created_at"`
	RawData   json.RawMessage `json:"raw_data"`
	Metrics   []readingView   `json:"metrics"`
}

func newReadingView(m domain.MetricReading) readingView {
	return readingView{ID: m.ID, LogID: m.LogID, Name: m.Name, Value: m.Value}
}

func newLogView(entry domain.LogWithReadings) logView {
	view := logView{
		ID:        entry.ID,
		MachineID: entry.MachineID,
		Timestamp: entry.Timestamp.UTC().Format(time.RFC3339Nano),
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		RawData:   entry.RawData,
		Metrics:   make([]readingView, 0, len(entry.Readings)),
	}
	if len(view.RawData) == 0 {
		view.RawData = json.RawMessage("null")
	}
	for _, reading := range entry.Readings {
		view.Metrics = append(view.Metrics, newReadingView(reading))
	}
	return view
}
