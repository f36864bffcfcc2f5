package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/config"
	"github.com/koios/adb-invocation-server/internal/pipeline"
	"github.com/koios/adb-invocation-server/pkg/models"
)

// StoreRunner runs the screenshot generation pipeline.
type StoreRunner interface {
	Run(ctx context.Context, runID string, templates []models.TemplateUpdate) *pipeline.Report
}

// RunStates looks up the recorded states of a past or running store run.
type RunStates interface {
	RunStates(ctx context.Context, runID string) (map[string]pipeline.JobEvent, error)
}

// StoreHandler handles HTTP requests for screenshot generation
type StoreHandler struct {
	runner  StoreRunner
	counter *pipeline.JobCounter
	runs    RunStates
	cfg     *config.Config
	logger  *zap.Logger
}

// NewStoreHandler creates a new store handler. runs may be nil.
func NewStoreHandler(runner StoreRunner, counter *pipeline.JobCounter, runs RunStates, cfg *config.Config, logger *zap.Logger) *StoreHandler {
	return &StoreHandler{
		runner:  runner,
		counter: counter,
		runs:    runs,
		cfg:     cfg,
		logger:  logger,
	}
}

// RegisterRoutes registers the store routes
func (h *StoreHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/store/screenshots", h.handleStore).Methods(http.MethodPost)
	r.HandleFunc("/store/screenshots/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/store/screenshots/runs/{run_id}", h.handleRun).Methods(http.MethodGet)
}

// TemplateResult is the per-template part of a store response.
type TemplateResult struct {
	ID       string          `json:"id"`
	Platform models.Platform `json:"platform"`
	Locale   string          `json:"locale"`
	Device   string          `json:"device"`
	State    pipeline.State  `json:"state"`
	Error    string          `json:"error,omitempty"`
}

// StoreResponse is the body of POST /store/screenshots.
type StoreResponse struct {
	Message   string            `json:"message"`
	RunID     string            `json:"run_id,omitempty"`
	Templates []TemplateResult  `json:"templates,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// handleStore handles POST /store/screenshots - runs the generation pipeline
// and answers once every batch has settled
func (h *StoreHandler) handleStore(w http.ResponseWriter, r *http.Request) {
	var templates []models.TemplateUpdate
	if err := json.NewDecoder(r.Body).Decode(&templates); err != nil {
		h.writeJSON(w, http.StatusBadRequest, StoreResponse{Message: "Invalid JSON: " + err.Error()})
		return
	}

	templates, validationErrors := NormalizeTemplates(templates, h.cfg.Capture)
	if len(validationErrors) > 0 {
		h.writeJSON(w, http.StatusBadRequest, StoreResponse{
			Message: "Template validation failed",
			Errors:  validationErrors,
		})
		return
	}

	if err := h.validateConfig(); err != nil {
		h.logger.Error("Screenshot store is not configured", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, StoreResponse{Message: err.Error()})
		return
	}

	runID := uuid.NewString()
	w.Header().Set("X-Request-ID", runID)

	// The run outlives a disconnecting client.
	report := h.runner.Run(context.WithoutCancel(r.Context()), runID, templates)

	resp := StoreResponse{RunID: runID, Message: "Screenshots generated"}
	for _, o := range report.Outcomes {
		result := TemplateResult{
			ID:       o.Template.ID,
			Platform: o.Template.Platform,
			Locale:   o.Template.Locale,
			Device:   o.Template.Device,
			State:    o.State,
		}
		if o.Err != nil {
			result.Error = o.Err.Error()
		}
		resp.Templates = append(resp.Templates, result)
	}

	status := http.StatusOK
	if report.Failed() {
		status = http.StatusInternalServerError
		resp.Message = "Error generating screenshots: " + report.Err().Error()
	}
	h.writeJSON(w, status, resp)
}

func (h *StoreHandler) validateConfig() error {
	if err := h.cfg.Capture.Validate(); err != nil {
		return err
	}
	return h.cfg.Store.Validate()
}

// handleStatus handles GET /store/screenshots/status
func (h *StoreHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]int64{"active": h.counter.Active()})
}

// handleRun handles GET /store/screenshots/runs/{run_id}
func (h *StoreHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "Run tracking is not enabled", http.StatusNotFound)
		return
	}
	runID := mux.Vars(r)["run_id"]
	states, err := h.runs.RunStates(r.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to read run states", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if len(states) == 0 {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, states)
}

func (h *StoreHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
