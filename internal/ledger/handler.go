package ledger

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// AdminHandler exposes the usage reporting endpoints consumed by billing
// tooling. Routes are mounted behind the admin JWT middleware.
type AdminHandler struct {
	ledger *Ledger
	logger *logging.Logger
}

func NewAdminHandler(l *Ledger, logger *logging.Logger) *AdminHandler {
	if l == nil {
		panic("ledger: ledger service is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{ledger: l, logger: logger}
}

// FirmUsage handles GET /admin/usage/firms/{firmID}.
func (h *AdminHandler) FirmUsage(w http.ResponseWriter, r *http.Request) {
	firmID, err := uuid.Parse(chi.URLParam(r, "firmID"))
	if err != nil {
		http.Error(w, "invalid firm id", http.StatusBadRequest)
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := h.ledger.SumByFirm(r.Context(), firmID, from, to)
	if err != nil {
		h.logger.Error("ledger: firm usage query failed", "error", err, "firm_id", firmID)
		http.Error(w, "usage query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// FirmFeatureUsage handles GET /admin/usage/firms/{firmID}/features.
// An optional "features" query param narrows to a comma-separated list.
func (h *AdminHandler) FirmFeatureUsage(w http.ResponseWriter, r *http.Request) {
	firmID, err := uuid.Parse(chi.URLParam(r, "firmID"))
	if err != nil {
		http.Error(w, "invalid firm id", http.StatusBadRequest)
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var features []string
	if raw := strings.TrimSpace(r.URL.Query().Get("features")); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				features = append(features, f)
			}
		}
	}

	usage, err := h.ledger.SumByFeature(r.Context(), firmID, features, from, to)
	if err != nil {
		h.logger.Error("ledger: feature usage query failed", "error", err, "firm_id", firmID)
		http.Error(w, "usage query failed", http.StatusInternalServerError)
		return
	}
	if usage == nil {
		usage = []FeatureUsage{}
	}
	writeJSON(w, http.StatusOK, usage)
}

// parseWindow reads optional from/to query params, accepting RFC 3339
// timestamps or plain dates.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %v", err)
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %v", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to precedes from")
	}
	return from, to, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
