package usage

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves GET /api/usage: bucketed totals for one learner, read from
// the ledger's roll-up aggregates. Query parameters: subject (required) and
// bucket (required, "2026-W34" or "2026-08").
type Handler struct {
	ledger Ledger
}

// NewHandler creates a Handler reading from ledger.
func NewHandler(ledger Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// totalsResponse is the JSON body returned by GET /api/usage.
type totalsResponse struct {
	SubjectID       string  `json:"subjectId"`
	Bucket          string  `json:"bucket"`
	Sessions        int64   `json:"sessions"`
	DurationSeconds float64 `json:"durationSeconds"`
	InputUnits      int64   `json:"inputUnits"`
	OutputUnits     int64   `json:"outputUnits"`
	CostUSD         float64 `json:"costUsd"`
}

// ServeHTTP handles one totals query.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	subject := r.URL.Query().Get("subject")
	bucket := r.URL.Query().Get("bucket")
	if subject == "" || bucket == "" {
		httpError(w, http.StatusBadRequest, "subject and bucket are required")
		return
	}

	totals, err := h.ledger.TotalsFor(r.Context(), subject, bucket)
	if err != nil {
		slog.Error("usage: totals query failed", "subject_id", subject, "bucket", bucket, "err", err)
		httpError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(totalsResponse{
		SubjectID:       subject,
		Bucket:          bucket,
		Sessions:        totals.Sessions,
		DurationSeconds: totals.Duration.Seconds(),
		InputUnits:      totals.InputUnits,
		OutputUnits:     totals.OutputUnits,
		CostUSD:         totals.CostUSD,
	})
}

// httpError writes a JSON error body with the given status.
func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
