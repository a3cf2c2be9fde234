package token

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/verbly-ai/verbly/internal/resilience"
)

// Compile-time interface check.
var _ Source = (*Guarded)(nil)

// Guarded wraps a [Source] with a circuit breaker so that a broken upstream
// fails fast instead of holding every provisioning request for a full
// timeout. It does not retry — a breaker rejection or mint failure is
// surfaced to the caller unchanged.
type Guarded struct {
	source  Source
	breaker *resilience.CircuitBreaker
}

// NewGuarded wraps source with breaker.
func NewGuarded(source Source, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{source: source, breaker: breaker}
}

// Mint mints through the breaker.
func (g *Guarded) Mint(ctx context.Context, req Request) (Credential, error) {
	var cred Credential
	err := g.breaker.Execute(func() error {
		var mintErr error
		cred, mintErr = g.source.Mint(ctx, req)
		return mintErr
	})
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// Handler serves POST /api/token: the provisioning endpoint browsers and
// session processes call to obtain an ephemeral credential.
type Handler struct {
	source Source
}

// NewHandler creates a Handler minting through source.
func NewHandler(source Source) *Handler {
	return &Handler{source: source}
}

// ServeHTTP handles one provisioning request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body mintRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.SubjectID == "" {
		httpError(w, http.StatusBadRequest, "subjectId is required")
		return
	}

	cred, err := h.source.Mint(r.Context(), Request{
		SubjectID:              body.SubjectID,
		PromptContext:          body.PromptContext,
		RequestedExpiryMinutes: body.RequestedExpiryMinutes,
		LockConfiguration:      body.LockConfiguration,
	})
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
		slog.Error("token: mint failed", "subject_id", body.SubjectID, "err", err)
		httpError(w, status, "failed to mint credential")
		return
	}

	slog.Info("token: minted credential",
		"subject_id", body.SubjectID,
		"model", cred.ModelID,
		"expires_at", cred.ExpiresAt.Format(time.RFC3339),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mintResponse{
		AccessToken:        cred.AccessToken,
		ExpiresAt:          cred.ExpiresAt.Format(time.RFC3339),
		NewSessionDeadline: cred.NewSessionDeadline.Format(time.RFC3339),
		ModelID:            cred.ModelID,
	})
}

// httpError writes a JSON error body with the given status.
func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
