// Package api provides shared HTTP response helpers and probe handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/ashureev/mcp-chat-gateway/internal/store"
	"github.com/go-chi/chi/v5"
)

// readyTimeout bounds the store probe behind /ready.
const readyTimeout = 2 * time.Second

// Handler serves the liveness and readiness probes.
type Handler struct {
	threads store.ThreadStore
}

// NewHandler creates a probe handler backed by the thread store.
func NewHandler(threads store.ThreadStore) *Handler {
	return &Handler{threads: threads}
}

// RegisterRoutes mounts /health and /ready.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the thread store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.threads.Ping(ctx); err != nil {
		logx.Warn().Err(err).Msg("readiness probe failed")
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  errx.MessageOf(err),
		})
		return
	}

	n, err := h.threads.Len(ctx)
	if err != nil {
		logx.Warn().Err(err).Msg("readiness probe failed to count threads")
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  errx.MessageOf(err),
		})
		return
	}

	JSON(w, http.StatusOK, map[string]any{"status": "ready", "threads": n})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn().Err(err).Msg("failed to encode response")
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteError maps err onto its status and caller-visible message.
func WriteError(w http.ResponseWriter, err error) {
	status := errx.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logx.Error().Err(err).Int("status", status).Msg("request failed")
	}
	Error(w, status, errx.MessageOf(err))
}

// DecodeJSON reads a size-capped JSON body into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errx.New(err, http.StatusRequestEntityTooLarge, "request body too large")
		}
		return errx.Validation("invalid request body")
	}
	return nil
}
