package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/storage/sqlite"
)

type storeResolver struct{ store *sqlite.Store }

func (s storeResolver) Resolve(ctx context.Context, id int64, at time.Time) error {
	return s.store.ResolveEvent(ctx, id, at.Unix())
}

func newRouter(t *testing.T, store *sqlite.Store) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	NewHandler(newAPI(store, nil), storeResolver{store}).Register(router)
	return router
}

func serve(router *mux.Router, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandleUsage_InvalidRange(t *testing.T) {
	router := newRouter(t, newStore(t))

	rr := serve(router, http.MethodGet, "/v1/usage?start=2000&end=1000")

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "start must be before end")
}

func TestHandleUsage_InvalidParam(t *testing.T) {
	router := newRouter(t, newStore(t))

	rr := serve(router, http.MethodGet, "/v1/usage?start=yesterday")

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "invalid start")
}

func TestHandleUsage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for ts := base; ts < base+300; ts += 60 {
		require.NoError(t, store.UpsertMinute(ctx, storage.MinuteRow{Timestamp: ts, CPU: flat(12.5), SampleCount: 60}))
	}
	router := newRouter(t, store)

	rr := serve(router, http.MethodGet, "/v1/usage?start="+strconv.FormatInt(base, 10)+"&end="+strconv.FormatInt(base+300, 10))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp UsageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, storage.TierMinute, resp.Tier)
	require.Len(t, resp.Points, 5)
	require.Equal(t, 12.5, resp.Points[0].CPU.Avg)
}

func TestHandleSummary_Empty(t *testing.T) {
	setNow(t, base)
	router := newRouter(t, newStore(t))

	rr := serve(router, http.MethodGet, "/v1/summary")

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{}`, rr.Body.String())
}

func TestHandleResolve(t *testing.T) {
	store := newStore(t)
	setNow(t, base)
	id, err := store.InsertEvent(context.Background(), storage.Event{
		Timestamp:   base - 60,
		Type:        storage.EventSpike,
		Severity:    storage.SeverityCritical,
		Description: "CPU usage spike",
	})
	require.NoError(t, err)
	router := newRouter(t, store)

	rr := serve(router, http.MethodGet, "/v1/alerts")
	require.Equal(t, http.StatusOK, rr.Code)
	var counts storage.AlertCounts
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counts))
	require.Equal(t, 1, counts.Critical)

	rr = serve(router, http.MethodPost, "/v1/events/"+strconv.FormatInt(id, 10)+"/resolve")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(router, http.MethodGet, "/v1/alerts")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counts))
	require.Equal(t, storage.AlertCounts{}, counts)

	rr = serve(router, http.MethodPost, "/v1/events/9999/resolve")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleEvents_Filters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for i, sev := range []storage.Severity{storage.SeverityInfo, storage.SeverityWarning, storage.SeverityWarning} {
		_, err := store.InsertEvent(ctx, storage.Event{Timestamp: base + int64(i), Type: storage.EventSpike, Severity: sev, Description: "spike"})
		require.NoError(t, err)
	}
	router := newRouter(t, store)

	rr := serve(router, http.MethodGet, "/v1/events?severity=warning&limit=1")
	require.Equal(t, http.StatusOK, rr.Code)
	var evs []storage.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	require.Equal(t, base+2, evs[0].Timestamp)

	rr = serve(router, http.MethodGet, "/v1/events?limit=abc")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleTimeline(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.MergeProcessHours(context.Background(), []storage.ProcessHourRow{
		{Timestamp: base, Name: "firefox", CPUAvg: 9, SampleCount: 5, ActiveSeconds: 5},
	}))
	router := newRouter(t, store)

	rr := serve(router, http.MethodGet, "/v1/processes/firefox/timeline?start="+strconv.FormatInt(base-3600, 10)+"&end="+strconv.FormatInt(base+3600, 10))

	require.Equal(t, http.StatusOK, rr.Code)
	var tl Timeline
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tl))
	require.Equal(t, "firefox", tl.Name)
	require.Len(t, tl.Points, 1)
}
