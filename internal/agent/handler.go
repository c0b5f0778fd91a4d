package agent

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/api"
	"github.com/ashureev/mcp-chat-gateway/internal/config"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler handles chat HTTP and websocket requests.
type Handler struct {
	agent          *Service
	rateLimiter    *RateLimiter
	sockets        *SocketRegistry
	maxBody        int64
	originPatterns []string

	done      chan struct{} // Closed to abort in-flight streams on shutdown
	closeOnce sync.Once
}

// NewHandler creates a chat handler. A nil cfg selects defaults.
func NewHandler(svc *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 30
	rateLimitWindow := time.Minute
	maxBody := int64(defaultMaxRequestBodySize)
	origins := []string{"*"}

	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		maxBody = cfg.MaxRequestBodyBytes
		origins = cfg.CORSAllowedOrigins
	}

	return &Handler{
		agent:          svc,
		rateLimiter:    NewRateLimiter(rateLimitRequests, rateLimitWindow),
		sockets:        NewSocketRegistry(),
		maxBody:        maxBody,
		originPatterns: originPatterns(origins),
		done:           make(chan struct{}),
	}
}

// RegisterRoutes registers the chat routes under /chat.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Use(h.rateLimiter.Middleware)
		r.Post("/", h.HandleChat)
		r.Get("/completions", h.HandleCompletions)
		r.Post("/threads", h.HandleCreateThread)
		r.Get("/threads/{threadID}/events", h.HandleThreadEvents)
		r.Get("/runs/stream", h.HandleRunStream)
		r.Get("/ws", h.HandleWebSocket)
	})
}

// Close aborts open streams and sockets and stops background work.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.sockets.CloseAll()
		h.rateLimiter.Close()
	})
}

// HandleChat handles POST /chat and returns the buffered reply.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := api.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	logx.Info().
		Str("request_id", chiMiddleware.GetReqID(ctx)).
		Str("model", req.Model).
		Int("message_length", len(req.Message)).
		Msg("chat request")

	reply, err := h.agent.Chat(ctx, req)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, ChatResponse{Response: reply})
}

// HandleCompletions handles GET /chat/completions?query=&model=.
func (h *Handler) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if strings.TrimSpace(query) == "" {
		api.Error(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	seq, err := h.agent.Stream(ctx, query, r.URL.Query().Get("model"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	streamSSE(w, seq, chiMiddleware.GetReqID(ctx))
}

// HandleCreateThread handles POST /chat/threads.
func (h *Handler) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := api.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	if req.Input == nil {
		api.Error(w, http.StatusBadRequest, "input is required")
		return
	}
	if req.Input.Messages == nil {
		api.Error(w, http.StatusBadRequest, "input.messages is required")
		return
	}

	id, err := h.agent.CreateThread(r.Context(), *req.Input)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, CreateThreadResponse{ThreadID: id})
}

// HandleThreadEvents handles GET /chat/threads/{threadID}/events.
func (h *Handler) HandleThreadEvents(w http.ResponseWriter, r *http.Request) {
	h.streamThread(w, r, chi.URLParam(r, "threadID"))
}

// HandleRunStream handles GET /chat/runs/stream?threadId=. Without a
// threadId the most recently created thread is used.
func (h *Handler) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	h.streamThread(w, r, r.URL.Query().Get("threadId"))
}

func (h *Handler) streamThread(w http.ResponseWriter, r *http.Request, threadID string) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	seq, err := h.agent.StreamThread(ctx, threadID)
	if err != nil {
		if errx.StatusOf(err) >= http.StatusInternalServerError {
			logx.Error().Err(err).Str("thread_id", threadID).Msg("thread stream failed to start")
		}
		api.WriteError(w, err)
		return
	}
	streamSSE(w, seq, chiMiddleware.GetReqID(ctx))
}

// requestContext derives a context cancelled by either the client or Close.
func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// originPatterns converts allowed CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
