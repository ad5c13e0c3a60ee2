package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/engine"
	"github.com/nicktill/tinystats/pkg/events"
	"github.com/nicktill/tinystats/pkg/export"
	"github.com/nicktill/tinystats/pkg/httpx"
	"github.com/nicktill/tinystats/pkg/process"
	"github.com/nicktill/tinystats/pkg/query"
	"github.com/nicktill/tinystats/pkg/retention"
	"github.com/nicktill/tinystats/pkg/sdk/payload"
	"github.com/nicktill/tinystats/pkg/server/monitor"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// maxBodyBytes bounds ingest request bodies.
const maxBodyBytes = 1 << 20

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string                             `json:"status"`
	Version       string                             `json:"version"`
	Session       string                             `json:"session"`
	Uptime        string                             `json:"uptime"`
	Components    map[string]monitor.ComponentStatus `json:"components"`
	LiveProcesses int                                `json:"live_processes"`
	Issues        map[engine.Issue]int64             `json:"input_issues,omitempty"`
	Retention     *retention.Report                  `json:"last_retention,omitempty"`
}

// handleHealth returns service health status.
func handleHealth(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if !svc.Registry.IsHealthy() {
			status, code = "degraded", http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, code, HealthResponse{
			Status:        status,
			Version:       Version,
			Session:       svc.Engine.Session(),
			Uptime:        time.Since(startTime).Round(time.Second).String(),
			Components:    svc.Registry.Status(),
			LiveProcesses: svc.Engine.LiveProcesses(),
			Issues:        svc.Engine.Issues(),
			Retention:     svc.Engine.Pruner().LastReport(),
		})
	}
}

// StorageResponse is the payload of /v1/storage.
type StorageResponse struct {
	monitor.Usage
	Rows map[storage.Tier]int64 `json:"rows,omitempty"`
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage, err := svc.Storage.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		resp := StorageResponse{Usage: usage}
		if st, err := svc.Engine.Store().Stats(r.Context()); err == nil {
			resp.Rows = st.Rows
		}
		httpx.RespondJSON(w, http.StatusOK, resp)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

// storageFull rejects writes once the data directory reaches its limit.
func storageFull(w http.ResponseWriter, svc *Service) bool {
	usage, err := svc.Storage.GetUsage()
	if err != nil || !usage.Exceeded {
		return false
	}
	httpx.RespondErrorString(w, http.StatusInsufficientStorage,
		fmt.Sprintf("storage limit reached: %d of %d bytes used", usage.UsedBytes, usage.MaxBytes))
	return true
}

func unixTime(sec float64) time.Time {
	if sec <= 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return clock.Now()
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}

// handleIngestSamples feeds a batch of per-second readings to the engine in
// the order given.
func handleIngestSamples(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req payload.SampleBatch
		if !decode(w, r, &req) {
			return
		}
		if len(req.Samples) > payload.MaxBatchSamples {
			httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("batch of %d samples exceeds %d", len(req.Samples), payload.MaxBatchSamples))
			return
		}
		if storageFull(w, svc) {
			return
		}
		for _, s := range req.Samples {
			svc.Engine.Ingest(r.Context(), ToSample(s))
		}
		httpx.RespondJSON(w, http.StatusAccepted, payload.Accepted{Status: "accepted", Accepted: len(req.Samples)})
	}
}

// ToSample converts a pushed sample to the engine's form.
func ToSample(s payload.Sample) engine.Sample {
	procs := make([]process.Sample, len(s.Processes))
	for i, p := range s.Processes {
		procs[i] = process.Sample{Name: p.Name, CPU: p.CPU, RAMMB: p.RAMMB}
	}
	return engine.Sample{
		Time:      unixTime(s.Time),
		CPU:       s.CPU,
		RAM:       s.RAM,
		GPU:       s.GPU,
		CPUTemp:   s.CPUTemp,
		GPUTemp:   s.GPUTemp,
		Processes: procs,
	}
}

// handleIngestMinute writes one minute summary.
func handleIngestMinute(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req payload.Minute
		if !decode(w, r, &req) || storageFull(w, svc) {
			return
		}
		if req.Start <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "start must be a positive epoch second")
			return
		}
		svc.Engine.OnMinuteSummary(r.Context(), engine.MinuteSummary{
			Start:     req.Start,
			CPUAvg:    req.CPUAvg,
			RAMAvg:    req.RAMAvg,
			GPUAvg:    req.GPUAvg,
			CPUSeries: req.CPUSeries,
			RAMSeries: req.RAMSeries,
			GPUSeries: req.GPUSeries,
			CPUTemp:   req.CPUTemp,
			GPUTemp:   req.GPUTemp,
		})
		httpx.RespondJSON(w, http.StatusAccepted, payload.Accepted{Status: "accepted"})
	}
}

// handleLogEvent records a custom event marker.
func handleLogEvent(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req payload.Event
		if !decode(w, r, &req) {
			return
		}
		if req.Description == "" {
			httpx.RespondErrorString(w, http.StatusBadRequest, "description is required")
			return
		}
		switch storage.Severity(req.Severity) {
		case "", storage.SeverityInfo, storage.SeverityWarning, storage.SeverityCritical:
		default:
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid severity: %q", req.Severity))
			return
		}

		var at time.Time
		if req.Time > 0 {
			at = unixTime(req.Time)
		}
		id, err := svc.Engine.LogEvent(r.Context(), events.Custom{
			Time:        at,
			Type:        storage.EventType(req.Type),
			Severity:    storage.Severity(req.Severity),
			Description: req.Description,
			Metric:      req.Metric,
			Value:       req.Value,
			ProcessName: req.ProcessName,
		})
		if errors.Is(err, storage.ErrNotReady) {
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
			return
		}
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusCreated, payload.Accepted{Status: "created", ID: id})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, svc *Service, port string) {
	router.Use(corsMiddleware(port))

	// Ingestion and service status
	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/samples", handleIngestSamples(svc)).Methods("POST")
	api.HandleFunc("/minutes", handleIngestMinute(svc)).Methods("POST")
	api.HandleFunc("/events", handleLogEvent(svc)).Methods("POST")
	api.HandleFunc("/storage", handleStorageUsage(svc)).Methods("GET")
	api.HandleFunc("/health", handleHealth(svc)).Methods("GET")

	// Reads and event acknowledgement
	query.NewHandler(svc.Engine.Query(), svc.Engine).Register(router)
	export.NewHandler(svc.Engine.Store(), svc.Config.Location(), svc.log).Register(router)

	router.HandleFunc("/metrics", handlePrometheus(svc)).Methods("GET")

	// Preflight for any path; corsMiddleware answers it
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
