package agent

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// HandleWebSocket handles GET /chat/ws. Each text message is a ChatRequest;
// the reply is sent as chunk frames followed by a done or error frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	client := clientKey(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		logx.Warn().Err(err).Str("client", client).Msg("failed to accept chat socket")
		return
	}
	ws.SetReadLimit(h.maxBody)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logx.Debug().Err(closeErr).Str("client", client).Msg("failed to close chat socket")
		}
	}()

	id := h.sockets.Register(client, ws)
	defer h.sockets.Unregister(client, id)

	ctx, cancel := h.requestContext(r)
	defer cancel()

	for {
		var req ChatRequest
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				logx.Debug().Str("client", client).Msg("chat socket closed")
			} else {
				logx.Warn().Err(err).Str("client", client).Msg("chat socket read error")
			}
			return
		}

		if err := h.replyOverSocket(ctx, ws, client, req); err != nil {
			logx.Debug().Err(err).Str("client", client).Msg("chat socket write failed")
			return
		}
	}
}

// replyOverSocket streams one reply. Request failures are sent as error
// frames; only write failures are returned.
func (h *Handler) replyOverSocket(ctx context.Context, ws *websocket.Conn, client string, req ChatRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return wsjson.Write(ctx, ws, Frame{Type: FrameError, Data: "message is required"})
	}
	if !h.rateLimiter.Allow(client) {
		return wsjson.Write(ctx, ws, Frame{Type: FrameError, Data: "rate limit exceeded"})
	}

	seq, err := h.agent.Stream(ctx, req.Message, req.Model)
	if err != nil {
		return wsjson.Write(ctx, ws, Frame{Type: FrameError, Data: errx.MessageOf(err)})
	}

	for chunk, err := range seq {
		if err != nil {
			logx.Error().Err(err).Str("client", client).Msg("model stream failed")
			return wsjson.Write(ctx, ws, Frame{Type: FrameError, Data: errx.MessageOf(err)})
		}
		if err := wsjson.Write(ctx, ws, Frame{Type: FrameChunk, Data: chunk}); err != nil {
			return err
		}
	}
	return wsjson.Write(ctx, ws, Frame{Type: FrameDone})
}
