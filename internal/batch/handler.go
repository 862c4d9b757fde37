package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/internal/tenancy"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

const maxBatchItems = 1000

// Handler exposes batch job triggering and status over HTTP. Firm scoping
// is on the request context by the time these run.
type Handler struct {
	tracker   Tracker
	publisher *Publisher
	logger    *logging.Logger
}

func NewHandler(tracker Tracker, publisher *Publisher, logger *logging.Logger) *Handler {
	if tracker == nil {
		panic("batch: tracker cannot be nil")
	}
	if publisher == nil {
		panic("batch: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{tracker: tracker, publisher: publisher, logger: logger}
}

type triggerJobRequest struct {
	Feature string `json:"feature"`
	Items   []Item `json:"items"`
}

// Trigger handles POST /v1/batch-jobs: start the tracker row, enqueue the
// work, and hand back the job id right away.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	firmID, ok := tenancy.FirmIDFromContext(r.Context())
	if !ok {
		http.Error(w, "firm scope missing", http.StatusUnauthorized)
		return
	}

	var req triggerJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Feature == "" {
		http.Error(w, "feature is required", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "at least one item is required", http.StatusBadRequest)
		return
	}
	if len(req.Items) > maxBatchItems {
		http.Error(w, fmt.Sprintf("too many items (max %d)", maxBatchItems), http.StatusBadRequest)
		return
	}

	run := &BatchJobRun{FirmID: firmID, Feature: req.Feature}
	if err := h.tracker.StartJob(r.Context(), run); err != nil {
		h.logger.Error("failed to start batch job", "feature", req.Feature, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	err := h.publisher.Publish(r.Context(), JobRequest{
		JobID:   run.ID,
		FirmID:  firmID,
		Feature: req.Feature,
		Items:   req.Items,
	})
	if err != nil {
		// The row exists but nothing will process it; freeze it Failed so
		// its status never lies as Running forever.
		if _, completeErr := h.tracker.CompleteJob(r.Context(), run.ID, "enqueue failed"); completeErr != nil {
			h.logger.Error("failed to mark unenqueued job", "job_id", run.ID, "error", completeErr)
		}
		h.logger.Error("failed to enqueue batch job", "job_id", run.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, run)
}

// Get handles GET /v1/batch-jobs/{id}. Jobs of other firms read as absent.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	firmID, ok := tenancy.FirmIDFromContext(r.Context())
	if !ok {
		http.Error(w, "firm scope missing", http.StatusUnauthorized)
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	run, err := h.tracker.GetJob(r.Context(), jobID)
	if errors.Is(err, ErrJobNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load batch job", "job_id", jobID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if run.FirmID != firmID {
		http.Error(w, ErrJobNotFound.Error(), http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}
