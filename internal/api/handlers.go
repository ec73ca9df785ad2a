package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/models"
	"github.com/starford/nilmprep/internal/sse"
	"github.com/starford/nilmprep/internal/store"
)

// Handler holds API route handlers.
type Handler struct {
	broker *sse.Broker
	status Status
	runs   store.RunRecorder
}

// NewHandler creates a new Handler. runs may be nil when no run history
// is configured.
func NewHandler(broker *sse.Broker, status Status, runs store.RunRecorder) *Handler {
	if runs == nil {
		runs = store.Discard{}
	}
	return &Handler{broker: broker, status: status, runs: runs}
}

// Status handles GET /api/status.
//
//	@Summary		Describe the replayed table
//	@Tags			replay
//	@Produce		json
//	@Success		200		{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  h.status,
		Clients: h.broker.ClientCount(),
	})
}

// Devices handles GET /api/devices.
//
//	@Summary		List the announced sensors
//	@Tags			replay
//	@Produce		json
//	@Success		200		{object}	DeviceListResponse
//	@Security		BearerAuth
//	@Router			/devices [get]
func (h *Handler) Devices(w http.ResponseWriter, _ *http.Request) {
	devices := h.broker.Retained()
	if devices == nil {
		devices = []sse.Event{}
	}
	writeJSON(w, http.StatusOK, DeviceListResponse{Devices: devices})
}

// ListRuns handles GET /api/runs.
//
//	@Summary		List recorded merge and prepare runs
//	@Tags			runs
//	@Produce		json
//	@Param			limit	query		int		false	"Maximum number of runs"
//	@Success		200		{object}	RunListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, apperr.ErrInvalidInput, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err, "cannot list runs")
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: runs})
}

// GetRun handles GET /api/runs/{id}.
//
//	@Summary		Get a recorded run
//	@Tags			runs
//	@Produce		json
//	@Param			id	path		string	true	"Run id"
//	@Success		200	{object}	models.Run
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
