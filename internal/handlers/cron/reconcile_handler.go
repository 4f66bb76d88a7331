package cron

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/paykit/engine/internal/services/engine"
)

// ReconcileHandler exposes the reconciliation loops as cron endpoints.
// Each endpoint runs one pass for one or all providers; the loops are
// single-flight internally, so an overlapping scheduler tick is a no-op.
type ReconcileHandler struct {
	engine     *engine.Engine
	logger     *zap.Logger
	cronSecret string // Secret token for authenticating cron requests
}

// NewReconcileHandler creates a new reconcile cron handler
func NewReconcileHandler(eng *engine.Engine, logger *zap.Logger, cronSecret string) *ReconcileHandler {
	return &ReconcileHandler{
		engine:     eng,
		logger:     logger,
		cronSecret: cronSecret,
	}
}

// ReconcileRequest represents the request body for a reconcile pass
type ReconcileRequest struct {
	Provider *string `json:"provider"` // Optional: defaults to all registered providers
}

// ReconcileResponse represents the response from a reconcile pass
type ReconcileResponse struct {
	Success     bool     `json:"success"`
	Providers   []string `json:"providers"`
	Errors      []string `json:"errors,omitempty"`
	ProcessedAt string   `json:"processed_at"`
}

// CheckTransactions handles POST /cron/check-transactions
func (h *ReconcileHandler) CheckTransactions(w http.ResponseWriter, r *http.Request) {
	h.runPass(w, r, "check-transactions", h.engine.CheckTransactions)
}

// CheckSubscriptionRenewal handles POST /cron/check-subscription-renewal
func (h *ReconcileHandler) CheckSubscriptionRenewal(w http.ResponseWriter, r *http.Request) {
	h.runPass(w, r, "check-subscription-renewal", h.engine.CheckSubscriptionRenewal)
}

// CheckUncompletedSubscription handles POST /cron/check-uncompleted-subscription
func (h *ReconcileHandler) CheckUncompletedSubscription(w http.ResponseWriter, r *http.Request) {
	h.runPass(w, r, "check-uncompleted-subscription", h.engine.CheckUncompletedSubscription)
}

// DrainActions handles POST /cron/drain-actions for deployments that
// drive the action queue from the scheduler instead of the in-process
// worker
func (h *ReconcileHandler) DrainActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}
	if !h.authenticateRequest(r) {
		h.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	processed, err := h.engine.DrainActions(r.Context())
	if err != nil {
		h.logger.Error("Action drain failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"processed": processed,
	})
}

func (h *ReconcileHandler) runPass(w http.ResponseWriter, r *http.Request, name string, pass func(ctx context.Context, provider string) error) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}
	if !h.authenticateRequest(r) {
		h.logger.Warn("Unauthorized cron request",
			zap.String("pass", name),
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ReconcileRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.logger.Warn("Failed to parse request body", zap.Error(err))
			// Continue with defaults if parsing fails
		}
	}

	providers := h.engine.Providers()
	if req.Provider != nil {
		providers = []string{*req.Provider}
	}

	var errs []string
	for _, provider := range providers {
		if err := pass(r.Context(), provider); err != nil {
			errs = append(errs, provider+": "+err.Error())
		}
	}

	resp := ReconcileResponse{
		Success:     len(errs) == 0,
		Providers:   providers,
		Errors:      errs,
		ProcessedAt: time.Now().Format(time.RFC3339),
	}

	h.logger.Info("Reconcile pass completed",
		zap.String("pass", name),
		zap.Int("providers", len(providers)),
		zap.Int("failed", len(errs)),
	)

	w.Header().Set("Content-Type", "application/json")
	if resp.Success {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusPartialContent) // 206 indicates partial success
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// respondError sends an error response
func (h *ReconcileHandler) respondError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// authenticateRequest verifies the cron request is authorized
func (h *ReconcileHandler) authenticateRequest(r *http.Request) bool {
	// Check X-Cron-Secret header
	cronSecret := r.Header.Get("X-Cron-Secret")
	if cronSecret != "" && cronSecret == h.cronSecret {
		return true
	}

	// Check Authorization header (Bearer token)
	authHeader := r.Header.Get("Authorization")
	return authHeader == "Bearer "+h.cronSecret
}
