package callback

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/paykit/engine/internal/services/engine"
	pkgerrors "github.com/paykit/engine/pkg/errors"
)

// maxPayloadBytes bounds the callback body; provider notifications are
// small JSON documents.
const maxPayloadBytes = 1 << 20

// Handler is the webhook ingress for provider callbacks. The response
// status steers provider retry behavior: rejected and unrecognized
// payloads answer with non-retriable statuses so the provider stops
// redelivering them, while internal failures answer 500 so delivery is
// retried.
type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewHandler creates a new callback handler
func NewHandler(eng *engine.Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, logger: logger}
}

// HandleCallback handles POST /callbacks/{provider}
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respond(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}

	provider := r.PathValue("provider")
	if provider == "" {
		h.respond(w, http.StatusBadRequest, "provider is required")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		h.respond(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	err = h.engine.HandleCallback(r.Context(), provider, payload)
	if err == nil {
		h.respond(w, http.StatusOK, "")
		return
	}

	switch pkgerrors.KindOf(err) {
	case pkgerrors.KindCallbackRejected:
		// The event replays or contradicts recorded state; redelivery
		// cannot change the outcome.
		h.logger.Warn("Callback rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		h.respond(w, http.StatusConflict, err.Error())

	case pkgerrors.KindUnrecognizedEvent:
		h.logger.Warn("Unrecognized callback",
			zap.String("provider", provider),
			zap.Error(err),
		)
		h.respond(w, http.StatusUnprocessableEntity, err.Error())

	case pkgerrors.KindNotFound:
		h.respond(w, http.StatusNotFound, err.Error())

	default:
		if errors.Is(err, pkgerrors.ErrCanceled) {
			h.respond(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		h.logger.Error("Callback processing failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		h.respond(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) respond(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := map[string]interface{}{
		"success": statusCode < 300,
	}
	if message != "" {
		resp["error"] = message
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
