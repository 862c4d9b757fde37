package router

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/internal/tenancy"
)

const firmHeader = "X-Firm-Id"

// requireFirmID middleware enforces multi-tenancy headers for API requests.
func requireFirmID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(firmHeader))
		if raw == "" {
			http.Error(w, "missing X-Firm-Id", http.StatusBadRequest)
			return
		}
		firmID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid X-Firm-Id", http.StatusBadRequest)
			return
		}
		ctx := tenancy.WithFirmID(r.Context(), firmID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
