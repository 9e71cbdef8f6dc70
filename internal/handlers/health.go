package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Davincible/llm-stream-gateway/internal/codec"
)

type HealthHandler struct {
	registry *codec.Registry
	logger   *slog.Logger
}

func NewHealthHandler(registry *codec.Registry, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		logger:   logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	payload := map[string]any{
		"status":    "ok",
		"protocols": h.registry.Vendors(),
	}

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to write health check response", "error", err)
	}
}
