package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsInert(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	assert.NotPanics(t, func() {
		tel.RecordEnqueue(ctx, "image")
		tel.RecordTransition(ctx, "pending", "downloading")
		tel.RecordBytes(ctx, 10)
		tel.RecordDownload(ctx, "completed", time.Second)
		tel.RecordSystemError(ctx, "queue", "persist")
	})

	boom := errors.New("boom")
	assert.ErrorIs(t, tel.InstrumentDBOperation(ctx, "save_item", func(context.Context) error { return boom }), boom)

	var nilTel *Telemetry

	assert.NoError(t, nilTel.InstrumentClientOperation(ctx, "http", "start", func(context.Context) error { return nil }))
	assert.NotPanics(t, func() { nilTel.RecordTransfer(ctx, "pause", "restart") })
	assert.NoError(t, nilTel.Shutdown(ctx))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledTelemetryServesMetrics(t *testing.T) {
	ctx := context.Background()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "media_downloader_test"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.RecordEnqueue(ctx, "video")
	tel.RecordTransition(ctx, "pending", "downloading")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue_items_enqueued_total")
}

func TestRequestID(t *testing.T) {
	var (
		logs bytes.Buffer
		seen string
	)

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = logctx.RequestIDFromContext(r.Context())
		logctx.LoggerFromContext(r.Context()).Info("handled")
	}))

	base := logctx.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(base))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, logs.String(), `"request_id":"`+seen+`"`)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "upstream", seen)
	assert.Equal(t, "upstream", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Len(t, seen, 36, "oversized upstream ids are replaced")
}

func TestGetStatusClass(t *testing.T) {
	tests := map[int]string{
		http.StatusOK:                  "2xx",
		http.StatusFound:               "3xx",
		http.StatusNotFound:            "4xx",
		http.StatusInternalServerError: "5xx",
		100:                            "unknown",
	}

	for code, want := range tests {
		assert.Equal(t, want, getStatusClass(code), "code %d", code)
	}
}

func TestHTTPLoggingKeepsStatus(t *testing.T) {
	h := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestHTTPLoggingUsesRequestLogger(t *testing.T) {
	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(HTTPLogging)
	r.Get("/downloads/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})

	ctx := logctx.WithLogger(context.Background(), logger)

	req := httptest.NewRequest(http.MethodGet, "/downloads/item-7", nil).WithContext(ctx)
	req.Header.Set(RequestIDHeader, "req-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))

	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "/downloads/{id}", entry["route"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, float64(4), entry["bytes"])

	logs.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil).WithContext(ctx))
	assert.Empty(t, logs.String(), "health checks log below info")
}
