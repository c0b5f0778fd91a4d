package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/mcp-chat-gateway/internal/api"
	"github.com/ashureev/mcp-chat-gateway/internal/domain"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Proxy forwards a request body to a backend.
type Proxy interface {
	Forward(ctx context.Context, b domain.Backend, kind Kind, body []byte) (*Response, error)
	State(name string) string
}

// Handler serves the tool proxy endpoints.
type Handler struct {
	resolver *Resolver
	proxy    Proxy
	maxBody  int64
}

// NewHandler creates a tool proxy handler. maxBody <= 0 selects 1MB.
func NewHandler(resolver *Resolver, proxy Proxy, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &Handler{resolver: resolver, proxy: proxy, maxBody: maxBody}
}

// RegisterRoutes mounts the proxy routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/tools", h.handle(KindTools))
	r.Post("/invoke_tool", h.handle(KindInvokeTool))
	r.Post("/routing_description", h.handle(KindRoutingDescription))
	r.Get("/backends", h.HandleBackends)
}

type backendInfo struct {
	domain.Backend
	Breaker string `json:"breaker"`
}

// HandleBackends lists the configured backends and their breaker state.
func (h *Handler) HandleBackends(w http.ResponseWriter, _ *http.Request) {
	backends := h.resolver.Backends()
	out := make([]backendInfo, 0, len(backends))
	for _, b := range backends {
		out = append(out, backendInfo{Backend: b, Breaker: h.proxy.State(b.Name)})
	}
	api.JSON(w, http.StatusOK, map[string]any{"backends": out})
}

func (h *Handler) handle(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := h.readBody(w, r)
		if err != nil {
			api.WriteError(w, err)
			return
		}

		fields, err := decodeFields(body)
		if err != nil {
			api.WriteError(w, err)
			return
		}

		var agentID string
		if raw, ok := fields["agent_id"]; ok {
			if err := json.Unmarshal(raw, &agentID); err != nil {
				api.WriteError(w, errx.Validation("agent_id must be a string"))
				return
			}
		}

		backend, err := h.resolver.Resolve(agentID)
		if err != nil {
			api.WriteError(w, err)
			return
		}

		if kind == KindInvokeTool {
			body, err = normalizeInvocation(fields)
			if err != nil {
				api.WriteError(w, err)
				return
			}
		}

		logx.Info().
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Str("agent_id", agentID).
			Str("backend", backend.Name).
			Str("kind", string(kind)).
			Msg("proxying tool request")

		resp, err := h.proxy.Forward(r.Context(), backend, kind, body)
		if err != nil {
			api.WriteError(w, err)
			return
		}

		contentType := resp.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(resp.Status)
		if _, err := w.Write(resp.Body); err != nil {
			logx.Warn().Err(err).Str("backend", backend.Name).Msg("failed to write proxied response")
		}
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errx.New(err, http.StatusRequestEntityTooLarge, "request body too large")
		}
		return nil, errx.Validation("invalid request body")
	}
	return body, nil
}

func decodeFields(body []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, errx.Validation("invalid request body")
	}
	return fields, nil
}

// normalizeInvocation requires tool_name and defaults args to an empty object.
func normalizeInvocation(fields map[string]json.RawMessage) ([]byte, error) {
	var toolName string
	if raw, ok := fields["tool_name"]; ok {
		if err := json.Unmarshal(raw, &toolName); err != nil {
			return nil, errx.Validation("tool_name must be a string")
		}
	}
	if toolName == "" {
		return nil, errx.Validation("tool_name is required")
	}

	args := bytes.TrimSpace(fields["args"])
	switch {
	case len(args) == 0 || bytes.Equal(args, []byte("null")):
		fields["args"] = json.RawMessage("{}")
	case args[0] != '{':
		return nil, errx.Validation("args must be an object")
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, errx.Validation("invalid request body")
	}
	return body, nil
}
