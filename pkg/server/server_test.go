package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/query"
	"github.com/nicktill/tinystats/pkg/sdk"
	"github.com/nicktill/tinystats/pkg/sdk/payload"
	"github.com/nicktill/tinystats/pkg/server/monitor"
	"github.com/nicktill/tinystats/pkg/storage"
)

// 2023-11-14 23:00:00 UTC
const base int64 = 1700002800

func newService(t *testing.T, opts ...func(*config.Config)) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Timezone = "UTC"
	for _, opt := range opts {
		opt(&cfg)
	}
	require.NoError(t, cfg.Validate())

	svc, err := New(context.Background(), cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func newRouter(svc *Service) *mux.Router {
	router := mux.NewRouter()
	SetupRoutes(router, svc, "8080")
	return router
}

func do(router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestNew_CreatesDataDir(t *testing.T) {
	svc := newService(t)

	info, err := os.Stat(svc.Config.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(svc.Config.DBPath())
	assert.NoError(t, err)
}

func TestHealth(t *testing.T) {
	svc := newService(t)
	router := newRouter(svc)

	rr := do(router, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.Equal(t, svc.Engine.Session(), resp.Session)
}

func TestHealth_DegradedAfterCheckpointFailures(t *testing.T) {
	svc := newService(t)
	router := newRouter(svc)

	require.True(t, svc.checkpointWithRetry(context.Background(), nil, time.Millisecond))
	assert.True(t, svc.Registry.Status()[ComponentCheckpoint].Healthy)

	require.NoError(t, svc.Close(context.Background()))
	assert.False(t, svc.checkpointWithRetry(context.Background(), nil, time.Millisecond))

	status := svc.Registry.Status()[ComponentCheckpoint]
	assert.False(t, status.Healthy)
	assert.Equal(t, maxRetries+1, status.ConsecutiveErrors)
	assert.NotEmpty(t, status.LastError)

	rr := do(router, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestCheckpointWithRetry_StopsWhenStopped(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.Close(context.Background()))

	stop := make(chan struct{})
	close(stop)
	assert.False(t, svc.checkpointWithRetry(context.Background(), stop, time.Hour))
	assert.Equal(t, 1, svc.Registry.Status()[ComponentCheckpoint].ConsecutiveErrors)
}

func TestIngestMinute_ThenUsage(t *testing.T) {
	svc := newService(t)
	router := newRouter(svc)

	rr := do(router, http.MethodPost, "/v1/minutes", payload.Minute{
		Start:     base,
		CPUAvg:    40,
		RAMAvg:    55,
		GPUAvg:    5,
		CPUSeries: []float64{30, 40, 50},
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = do(router, http.MethodGet, "/v1/usage?start=1700002800&end=1700002860", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp query.UsageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, storage.TierMinute, resp.Tier)
	require.Len(t, resp.Points, 1)
	assert.Equal(t, base, resp.Points[0].Timestamp)
	assert.Equal(t, 40.0, resp.Points[0].CPU.Avg)
	assert.Equal(t, 30.0, resp.Points[0].CPU.Min)
	assert.Equal(t, 50.0, resp.Points[0].CPU.Max)
}

func TestExport_MinuteCSV(t *testing.T) {
	svc := newService(t)
	router := newRouter(svc)

	rr := do(router, http.MethodPost, "/v1/minutes", payload.Minute{Start: base, CPUAvg: 40, RAMAvg: 55})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = do(router, http.MethodGet, "/v1/export?tier=minute&format=csv&start=1700002800&end=1700002860", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "1700002800,2023-11-14T23:00:00Z,")
}

func TestIngestMinute_Invalid(t *testing.T) {
	router := newRouter(newService(t))

	tests := []struct {
		name string
		body any
	}{
		{"malformed", `{"start":`},
		{"unknown field", `{"start": 1700002800, "cpu": 5}`},
		{"missing start", payload.Minute{CPUAvg: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(router, http.MethodPost, "/v1/minutes", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestIngestSample_FeedsProcesses(t *testing.T) {
	svc := newService(t)
	router := newRouter(svc)

	rr := do(router, http.MethodPost, "/v1/samples", map[string]any{
		"samples": []map[string]any{{
			"time":        float64(base + 5),
			"cpu_percent": 12.5,
			"ram_percent": 40,
			"processes": []map[string]any{
				{"name": "Chrome", "cpu_percent": 8, "ram_mb": 900},
			},
		}},
	})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var ack payload.Accepted
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack))
	assert.Equal(t, 1, ack.Accepted)

	assert.Equal(t, 1, svc.Engine.LiveProcesses())
	top := svc.Engine.Query().CurrentHourTop(5)
	require.Len(t, top, 1)
	assert.Equal(t, "chrome", top[0].Name)
}

func TestIngest_RejectedWhenStorageFull(t *testing.T) {
	svc := newService(t)
	svc.Storage = monitor.NewStorageMonitor(svc.Config.DataDir, 1)
	router := newRouter(svc)

	rr := do(router, http.MethodPost, "/v1/minutes", payload.Minute{Start: base, CPUAvg: 10})
	assert.Equal(t, http.StatusInsufficientStorage, rr.Code)

	rr = do(router, http.MethodGet, "/v1/storage", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp StorageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Exceeded)
	assert.Equal(t, int64(1), resp.MaxBytes)
	assert.Contains(t, resp.Rows, storage.TierMinute)
}

func TestCheckStorage_ForcesRetention(t *testing.T) {
	svc := newService(t)
	svc.Storage = monitor.NewStorageMonitor(svc.Config.DataDir, 1)
	require.Nil(t, svc.Engine.Pruner().LastReport())

	svc.checkStorage(context.Background())

	assert.NotNil(t, svc.Engine.Pruner().LastReport())
	assert.True(t, svc.Registry.Status()[ComponentStorage].Healthy)
}

func TestCheckStorage_MissingDir(t *testing.T) {
	svc := newService(t)
	svc.Storage = monitor.NewStorageMonitor(filepath.Join(svc.Config.DataDir, "missing"), 1<<30)

	svc.checkStorage(context.Background())

	assert.Equal(t, 1, svc.Registry.Status()[ComponentStorage].ConsecutiveErrors)
}

func TestEvents_LogAndList(t *testing.T) {
	router := newRouter(newService(t))

	rr := do(router, http.MethodPost, "/v1/events", payload.Event{
		Description: "Started a build",
		Severity:    "warning",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var created payload.Accepted
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Positive(t, created.ID)

	rr = do(router, http.MethodGet, "/v1/events?type=custom", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []storage.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Equal(t, storage.SeverityWarning, list[0].Severity)

	rr = do(router, http.MethodPost, "/v1/events/"+strconv.FormatInt(created.ID, 10)+"/resolve", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestEvents_Invalid(t *testing.T) {
	router := newRouter(newService(t))

	rr := do(router, http.MethodPost, "/v1/events", payload.Event{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(router, http.MethodPost, "/v1/events", payload.Event{Description: "x", Severity: "urgent"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCORS(t *testing.T) {
	router := newRouter(newService(t))

	req := httptest.NewRequest(http.MethodOptions, "/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:8080", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestIngestSamples_BatchTooLarge(t *testing.T) {
	router := newRouter(newService(t))

	rr := do(router, http.MethodPost, "/v1/samples", payload.SampleBatch{
		Samples: make([]payload.Sample, payload.MaxBatchSamples+1),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestSDKClient_EndToEnd(t *testing.T) {
	svc := newService(t, func(c *config.Config) { c.AutoMinute = true })
	srv := httptest.NewServer(newRouter(svc))
	t.Cleanup(srv.Close)

	client, err := sdk.New(sdk.ClientConfig{Endpoint: srv.URL, FlushEvery: time.Hour, MaxBatchSize: 30})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))

	// Two full minutes plus the first second of a third
	for i := int64(0); i <= 120; i++ {
		client.Record(payload.Sample{
			Time:      float64(base + i),
			CPU:       20,
			RAM:       50,
			Processes: []payload.Process{{Name: "code", CPU: 4, RAMMB: 300}},
		})
	}
	require.NoError(t, client.Stop())
	assert.EqualValues(t, 121, client.Sent())
	assert.Zero(t, client.Dropped())

	_, err = client.LogEvent(context.Background(), payload.Event{Description: "build finished"})
	require.NoError(t, err)

	points := svc.Engine.Query().UsageForRange(context.Background(), base, base+120, 0)
	require.Len(t, points, 2)
	assert.Equal(t, base, points[0].Timestamp)
	assert.Equal(t, 60, points[0].SampleCount)
	assert.Equal(t, 20.0, points[1].CPU.Avg)
}
