package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/httpx"
	"github.com/nicktill/tinystats/pkg/storage"
)

// DefaultUsageWindow is the range served by /v1/usage without start/end.
const DefaultUsageWindow = time.Hour

// Resolver acknowledges events.
type Resolver interface {
	Resolve(ctx context.Context, id int64, at time.Time) error
}

// Handler serves the query API as JSON.
type Handler struct {
	api      *API
	resolver Resolver
}

// NewHandler creates a handler. resolver may be nil, which disables
// POST /v1/events/{id}/resolve.
func NewHandler(api *API, resolver Resolver) *Handler {
	return &Handler{api: api, resolver: resolver}
}

// Register mounts the query routes on router under /v1.
func (h *Handler) Register(router *mux.Router) {
	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/usage", h.HandleUsage).Methods("GET")
	api.HandleFunc("/processes", h.HandleProcesses).Methods("GET")
	api.HandleFunc("/processes/daily", h.HandleProcessesDaily).Methods("GET")
	api.HandleFunc("/processes/current", h.HandleProcessesCurrent).Methods("GET")
	api.HandleFunc("/processes/{name}/timeline", h.HandleTimeline).Methods("GET")
	api.HandleFunc("/range", h.HandleRange).Methods("GET")
	api.HandleFunc("/events", h.HandleEvents).Methods("GET")
	api.HandleFunc("/events/{id:[0-9]+}/resolve", h.HandleResolve).Methods("POST")
	api.HandleFunc("/alerts", h.HandleAlerts).Methods("GET")
	api.HandleFunc("/summary", h.HandleSummary).Methods("GET")
}

// UsageResponse is the payload of /v1/usage.
type UsageResponse struct {
	Start  int64        `json:"start"`
	End    int64        `json:"end"`
	Tier   storage.Tier `json:"tier"`
	Points []Point      `json:"points"`
}

// HandleUsage handles GET /v1/usage?start=&end=&max_points=.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	now := clock.Now().Unix()
	start, err := httpx.ParseUnix(r, "start", now-int64(DefaultUsageWindow/time.Second))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	end, err := httpx.ParseUnix(r, "end", now)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if end < start {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	maxPoints, err := httpx.ParseInt(r, "max_points", DefaultMaxPoints)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, UsageResponse{
		Start:  start,
		End:    end,
		Tier:   SelectTier(start, end),
		Points: h.api.UsageForRange(r.Context(), start, end, maxPoints),
	})
}

// HandleProcesses handles GET /v1/processes?hour=&n=.
func (h *Handler) HandleProcesses(w http.ResponseWriter, r *http.Request) {
	hour, err := httpx.ParseUnix(r, "hour", 0)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	n, err := httpx.ParseInt(r, "n", DefaultTopN)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, h.api.ProcessBreakdown(r.Context(), hour, n))
}

// HandleProcessesDaily handles GET /v1/processes/daily?date=&n=.
func (h *Handler) HandleProcessesDaily(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid date: %q", date))
			return
		}
	}
	n, err := httpx.ParseInt(r, "n", DefaultTopN)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, h.api.ProcessDaily(r.Context(), date, n))
}

// HandleProcessesCurrent handles GET /v1/processes/current?n=.
func (h *Handler) HandleProcessesCurrent(w http.ResponseWriter, r *http.Request) {
	n, err := httpx.ParseInt(r, "n", DefaultTopN)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, h.api.CurrentHourTop(n))
}

// HandleTimeline handles GET /v1/processes/{name}/timeline?start=&end=.
func (h *Handler) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	now := clock.Now().Unix()
	start, err := httpx.ParseUnix(r, "start", now-secondsPerDay)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	end, err := httpx.ParseUnix(r, "end", now)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if end < start {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, h.api.ProcessTimeline(r.Context(), name, start, end))
}

// HandleRange handles GET /v1/range.
func (h *Handler) HandleRange(w http.ResponseWriter, r *http.Request) {
	rng := h.api.AvailableDateRange(r.Context())
	if rng == nil {
		httpx.RespondJSON(w, http.StatusOK, struct{}{})
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rng)
}

// HandleEvents handles GET /v1/events?start=&end=&type=&severity=&limit=.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f EventFilter
	if q.Get("start") != "" {
		v, err := httpx.ParseUnix(r, "start", 0)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		f.Start = &v
	}
	if q.Get("end") != "" {
		v, err := httpx.ParseUnix(r, "end", 0)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		f.End = &v
	}
	f.Type = storage.EventType(q.Get("type"))
	f.Severity = storage.Severity(q.Get("severity"))
	limit, err := httpx.ParseInt(r, "limit", DefaultEventLimit)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	f.Limit = limit
	httpx.RespondJSON(w, http.StatusOK, h.api.Events(r.Context(), f))
}

// HandleResolve handles POST /v1/events/{id}/resolve.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	if h.resolver == nil {
		httpx.RespondErrorString(w, http.StatusNotImplemented, "event resolution is not available")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid id: %w", err))
		return
	}
	if err := h.resolver.Resolve(r.Context(), id, clock.Now()); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("event %d not found", id))
		case errors.Is(err, storage.ErrNotReady):
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
		default:
			httpx.RespondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]int64{"resolved": id})
}

// HandleAlerts handles GET /v1/alerts?window=24h.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	window, err := httpx.ParseDuration(r, "window", DefaultAlertWindow)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, h.api.ActiveAlerts(r.Context(), window))
}

// HandleSummary handles GET /v1/summary?days=.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	days, err := httpx.ParseInt(r, "days", DefaultSummaryDays)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	s := h.api.SummaryStats(r.Context(), days)
	if s == nil {
		httpx.RespondJSON(w, http.StatusOK, struct{}{})
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s)
}
