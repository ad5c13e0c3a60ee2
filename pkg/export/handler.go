package export

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/httpx"
	"github.com/nicktill/tinystats/pkg/storage"
)

const (
	// DefaultExportWindow is the range exported without start/end.
	DefaultExportWindow = 24 * time.Hour

	// MaxMinuteWindow bounds minute-tier exports. Coarser tiers are unbounded.
	MaxMinuteWindow = 31 * 24 * time.Hour
)

// Handler serves tier exports.
type Handler struct {
	exporter *Exporter
	log      zerolog.Logger
}

// NewHandler creates an export handler.
func NewHandler(store storage.Storage, loc *time.Location, logger zerolog.Logger) *Handler {
	return &Handler{
		exporter: NewExporter(store, loc),
		log:      logger.With().Str("component", "export").Logger(),
	}
}

// Register mounts GET /v1/export on router.
func (h *Handler) Register(router *mux.Router) {
	router.PathPrefix("/v1").Subrouter().HandleFunc("/export", h.HandleExport).Methods("GET")
}

// HandleExport handles GET /v1/export?tier=&format=&start=&end=.
// tier defaults to hour and format to json.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tier := storage.Tier(q.Get("tier"))
	if tier == "" {
		tier = storage.TierHour
	}
	if !slices.Contains(Exportable, tier) {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid tier %q", tier))
		return
	}

	format := Format(q.Get("format"))
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	now := clock.Now()
	end, err := httpx.ParseUnix(r, "end", now.Unix())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	start, err := httpx.ParseUnix(r, "start", end-int64(DefaultExportWindow/time.Second))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if start >= end {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if tier == storage.TierMinute && end-start > int64(MaxMinuteWindow/time.Second) {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("minute export range too large, maximum is %v", MaxMinuteWindow))
		return
	}

	// Read first so a failure can still be reported as JSON.
	records, err := h.exporter.Records(r.Context(), tier, start, end)
	if errors.Is(err, storage.ErrNotReady) {
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("tier", string(tier)).Msg("Export failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	name := fmt.Sprintf("tinystats-%s-%s.%s", tier, now.Format("20060102-150405"), format)
	w.Header().Set("Content-Disposition", "attachment; filename="+name)

	res := Result{Tier: tier, Format: format, Rows: len(records), Start: start, End: end, ExportedAt: now.Unix()}
	if format == FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
		err = h.exporter.writeCSV(w, records)
	} else {
		w.Header().Set("Content-Type", "application/json")
		err = h.exporter.writeJSON(w, res, records)
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("Export write interrupted")
		return
	}

	h.log.Debug().
		Str("tier", string(tier)).
		Str("format", string(format)).
		Int("rows", res.Rows).
		Msg("Exported tier")
}
