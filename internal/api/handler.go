// Package api exposes the engine over HTTP: event ingestion, unit CRUD,
// run inspection and the usual health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hooklinehq/hookline/internal/entitycache"
	"github.com/hooklinehq/hookline/internal/event"
	"github.com/hooklinehq/hookline/internal/ingest"
	"github.com/hooklinehq/hookline/internal/metrics"
	"github.com/hooklinehq/hookline/internal/run"
	"github.com/hooklinehq/hookline/internal/runtime"
	"github.com/hooklinehq/hookline/internal/unit"
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	pipeline *ingest.Pipeline
	units    *unit.Repository
	runs     *run.Repository
	entities *entitycache.Cache
	executor *runtime.Executor
	mux      *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(pipeline *ingest.Pipeline, units *unit.Repository, runs *run.Repository,
	entities *entitycache.Cache, executor *runtime.Executor) http.Handler {

	h := &Handler{
		pipeline: pipeline,
		units:    units,
		runs:     runs,
		entities: entities,
		executor: executor,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)

	h.mux.HandleFunc("POST /v1/units", h.createUnit)
	h.mux.HandleFunc("GET /v1/units", h.listUnits)
	h.mux.HandleFunc("GET /v1/units/{id}", h.getUnit)
	h.mux.HandleFunc("PUT /v1/units/{id}", h.updateUnit)
	h.mux.HandleFunc("DELETE /v1/units/{id}", h.deleteUnit)
	h.mux.HandleFunc("POST /v1/units/{id}/status", h.setUnitStatus)
	h.mux.HandleFunc("GET /v1/units/{id}/runs", h.listUnitRuns)

	h.mux.HandleFunc("GET /v1/runs/{id}", h.getRun)
	h.mux.HandleFunc("GET /v1/runs/{id}/steps", h.listRunSteps)

	h.mux.HandleFunc("GET /v1/entities/recent", h.recentEntities)

	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return recoveryMiddleware(loggingMiddleware(h.mux))
}

// POST /v1/events: synchronous single-event ingestion.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if ev.Source == "" {
		writeError(w, http.StatusBadRequest, "event source is required")
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "event type is required")
		return
	}
	if ev.DedupeKey == "" {
		writeError(w, http.StatusBadRequest, "dedupe_key is required")
		return
	}

	accepted, runs, err := h.pipeline.Ingest(r.Context(), &ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !accepted {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"event_id":  ev.ID,
			"duplicate": true,
			"runs":      []string{},
		})
		return
	}

	runIDs := make([]string, 0, len(runs))
	for i := range runs {
		runIDs = append(runIDs, runs[i].ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_id":  ev.ID,
		"duplicate": false,
		"runs":      runIDs,
	})
}

// POST /v1/units: create a unit.
func (h *Handler) createUnit(w http.ResponseWriter, r *http.Request) {
	var u unit.Unit
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Status == "" {
		u.Status = unit.StatusActive
	}
	if err := unit.Validate(&u); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.units.Create(r.Context(), &u); err != nil {
		if errors.Is(err, unit.ErrExists) {
			writeError(w, http.StatusConflict, fmt.Sprintf("unit %s already exists", u.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GET /v1/units: list units, optionally filtered by owner.
func (h *Handler) listUnits(w http.ResponseWriter, r *http.Request) {
	var (
		units []unit.Unit
		err   error
	)
	if owner := r.URL.Query().Get("owner_id"); owner != "" {
		units, err = h.units.ListByOwner(r.Context(), owner)
	} else {
		units, err = h.units.List(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if units == nil {
		units = []unit.Unit{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"units": units})
}

// GET /v1/units/{id}
func (h *Handler) getUnit(w http.ResponseWriter, r *http.Request) {
	u, err := h.units.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, unit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// PUT /v1/units/{id}: replace a unit's definition.
func (h *Handler) updateUnit(w http.ResponseWriter, r *http.Request) {
	var u unit.Unit
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	u.ID = r.PathValue("id")
	if u.Status == "" {
		u.Status = unit.StatusActive
	}
	if err := unit.Validate(&u); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.units.Update(r.Context(), &u); err != nil {
		if errors.Is(err, unit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// DELETE /v1/units/{id}
func (h *Handler) deleteUnit(w http.ResponseWriter, r *http.Request) {
	if err := h.units.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, unit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/units/{id}/status: transition between active/paused/disabled.
// Status only gates future matches; in-flight runs are untouched.
func (h *Handler) setUnitStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status unit.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	switch body.Status {
	case unit.StatusActive, unit.StatusPaused, unit.StatusDisabled:
	default:
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown status %q", body.Status))
		return
	}
	if err := h.units.SetStatus(r.Context(), r.PathValue("id"), body.Status); err != nil {
		if errors.Is(err, unit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     r.PathValue("id"),
		"status": string(body.Status),
	})
}

// GET /v1/units/{id}/runs: a unit's most recent runs.
func (h *Handler) listUnitRuns(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 20)
	runs, err := h.runs.ListByUnit(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GET /v1/runs/{id}
func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.runs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// GET /v1/runs/{id}/steps: a run's step audit trail in execution order.
func (h *Handler) listRunSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.runs.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if steps == nil {
		steps = []run.Step{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// GET /v1/entities/recent?owner_id=&entity_type=&limit=: recently cached
// entities for an owner.
func (h *Handler) recentEntities(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_id")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	limit := intQuery(r, "limit", 20)
	entities, err := h.entities.GetRecent(r.Context(), owner, r.URL.Query().Get("entity_type"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entities == nil {
		entities = []entitycache.CachedEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": entities})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the run queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.executor.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}
