package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/edgelogger/internal/domain"
	"github.com/splax/edgelogger/internal/repository"
	"github.com/splax/edgelogger/internal/ws"
	"github.com/splax/edgelogger/pkg/jwt"
)

const testSecret = "query-secret"

type stubLogReader struct {
	logs       map[int64]domain.LogWithReadings
	byMachine  map[string][]domain.LogWithReadings
	readings   []domain.MetricReading
	err        error
	lastLimit  int
	lastOffset int
	lastAbove  float64
}

func (s *stubLogReader) GetLog(ctx context.Context, id int64) (*domain.LogWithReadings, error) {
	if s.err != nil {
		return nil, s.err
	}
	entry, ok := s.logs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &entry, nil
}

func (s *stubLogReader) ListLogsByMachine(ctx context.Context, machineID string, limit, offset int) ([]domain.LogWithReadings, error) {
	s.lastLimit, s.lastOffset = limit, offset
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.LogWithReadings(nil), s.byMachine[machineID]...), nil
}

func (s *stubLogReader) ListReadings(ctx context.Context, logID int64) ([]domain.MetricReading, error) {
	return s.logs[logID].Readings, nil
}

func (s *stubLogReader) ListReadingsAboveThreshold(ctx context.Context, metricName string, threshold float64, limit int) ([]domain.MetricReading, error) {
	s.lastAbove, s.lastLimit = threshold, limit
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.MetricReading, 0)
	for _, reading := range s.readings {
		if reading.Name == metricName && reading.Value > threshold {
			out = append(out, reading)
		}
	}
	return out, nil
}

func sampleReader() *stubLogReader {
	entry := domain.LogWithReadings{
		LogRecord: domain.LogRecord{
			ID:        7,
			MachineID: "m-1",
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			RawData:   json.RawMessage(`{"machine_id":"m-1","timestamp":"t","metrics":{"temp":80.5}}`),
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Readings: []domain.MetricReading{{ID: 1, LogID: 7, Name: "temp", Value: 80.5}},
	}
	return &stubLogReader{
		logs:      map[int64]domain.LogWithReadings{7: entry},
		byMachine: map[string][]domain.LogWithReadings{"m-1": {entry}},
		readings:  entry.Readings,
	}
}

func newTestRouter(reader repository.LogReader, opts Options) *Router {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	return NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), reader, opts)
}

func serve(r *Router, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func mustToken(t *testing.T, machineID string) string {
	t.Helper()
	token, err := jwt.GenerateToken("ops", machineID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(sampleReader(), Options{DBHealth: func(context.Context) error { return nil }})
	rec := serve(r, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	down := newTestRouter(sampleReader(), Options{DBHealth: func(context.Context) error { return errors.New("no route") }})
	rec = serve(down, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMachineLogs(t *testing.T) {
	reader := sampleReader()
	r := newTestRouter(reader, Options{})
	rec := serve(r, http.MethodGet, "/machines/m-1/logs?limit=5&offset=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if reader.lastLimit != 5 || reader.lastOffset != 2 {
		t.Fatalf("expected limit 5 offset 2, got %d %d", reader.lastLimit, reader.lastOffset)
	}
	var body struct {
		Logs []logView `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Logs) != 1 || body.Logs[0].ID != 7 || len(body.Logs[0].Metrics) != 1 {
		t.Fatalf("unexpected logs %+v", body.Logs)
	}
	if string(body.Logs[0].RawData) != string(reader.logs[7].RawData) {
		t.Fatalf("expected raw data unchanged, got %s", body.Logs[0].RawData)
	}
}

func TestMachineLogsRejectsBadParams(t *testing.T) {
	r := newTestRouter(sampleReader(), Options{})
	for _, target := range []string{"/machines/m-1/logs?limit=abc", "/machines/m-1/logs?offset=-1"} {
		if rec := serve(r, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", target, rec.Code)
		}
	}
	if rec := serve(r, http.MethodGet, "/machines/m-1/other", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodPost, "/machines/m-1/logs", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestGetLog(t *testing.T) {
	r := newTestRouter(sampleReader(), Options{})
	if rec := serve(r, http.MethodGet, "/logs/7", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/logs/99", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/logs/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestReadingsAboveThreshold(t *testing.T) {
	reader := sampleReader()
	r := newTestRouter(reader, Options{})
	rec := serve(r, http.MethodGet, "/readings?metric=temp&above=75", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if reader.lastAbove != 75 {
		t.Fatalf("expected threshold 75, got %v", reader.lastAbove)
	}
	var body struct {
		Readings []readingView `json:"readings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Readings) != 1 || body.Readings[0].Value != 80.5 {
		t.Fatalf("unexpected readings %+v", body.Readings)
	}

	if rec := serve(r, http.MethodGet, "/readings", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without metric, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/readings?metric=temp&above=hot", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad threshold, got %d", rec.Code)
	}
}

func TestStoreErrorMapsTo500(t *testing.T) {
	reader := sampleReader()
	reader.err = errors.New("connection refused")
	r := newTestRouter(reader, Options{})
	if rec := serve(r, http.MethodGet, "/machines/m-1/logs", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	r := newTestRouter(sampleReader(), Options{JWTSecret: testSecret})

	if rec := serve(r, http.MethodGet, "/machines/m-1/logs", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/machines/m-1/logs", "garbage"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/machines/m-1/logs", mustToken(t, "")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with unscoped token, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz to stay open, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected metrics to stay open, got %d", rec.Code)
	}
}

func TestScopedTokenLimitedToMachine(t *testing.T) {
	r := newTestRouter(sampleReader(), Options{JWTSecret: testSecret})
	own := mustToken(t, "m-1")
	other := mustToken(t, "m-2")

	if rec := serve(r, http.MethodGet, "/machines/m-1/logs", own); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for own machine, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/machines/m-1/logs", other); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for other machine, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/logs/7", other); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for other machine's log, got %d", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/readings?metric=temp", own); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for scoped token on readings, got %d", rec.Code)
	}
}

func TestRequestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newTestRouter(sampleReader(), Options{Registry: reg})
	serve(r, http.MethodGet, "/logs/7", "")

	rec := serve(r, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), `edgelogger_http_requests_total{method="GET",route="/logs/{id}",status="200"} 1`) {
		t.Fatalf("expected request counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestLogsWebsocketStreamsMachine(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	r := newTestRouter(sampleReader(), Options{Hub: hub, JWTSecret: testSecret})
	srv := httptest.NewServer(r)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs?machine_id=m-1&token="
	if _, resp, err := websocket.DefaultDialer.Dial(base+mustToken(t, "m-2"), nil); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for scoped token of another machine, got err=%v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+mustToken(t, "m-1"), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// The subscriber is registered after the handshake completes; publish until one arrives.
	received := make(chan []byte, 1)
	go func() {
		_, payload, err := conn.ReadMessage()
		if err == nil {
			received <- payload
		}
		close(received)
	}()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case payload, ok := <-received:
			if !ok {
				t.Fatalf("websocket closed before payload arrived")
			}
			if string(payload) != `{"id":1}` {
				t.Fatalf("unexpected payload %s", payload)
			}
			return
		case <-ticker.C:
			hub.Broadcast("m-1", []byte(`{"id":1}`))
		case <-timeout:
			t.Fatalf("timed out waiting for websocket payload")
		}
	}
}

func TestRequestIDAssigned(t *testing.T) {
	r := newTestRouter(sampleReader(), Options{})
	rec := serve(r, http.MethodGet, "/healthz", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}
