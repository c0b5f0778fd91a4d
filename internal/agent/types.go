// Package agent serves the chat, completion, and thread endpoints.
package agent

import (
	"github.com/ashureev/mcp-chat-gateway/internal/domain"
)

// ChatRequest is the body of POST /chat and of each websocket message.
type ChatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// ChatResponse is the buffered reply of POST /chat.
type ChatResponse struct {
	Response string `json:"response"`
}

// CreateThreadRequest is the body of POST /chat/threads. Input is a pointer
// so a missing or null input is told apart from an empty one.
type CreateThreadRequest struct {
	Input *domain.ThreadInput `json:"input"`
}

// CreateThreadResponse carries the identifier of a new thread.
type CreateThreadResponse struct {
	ThreadID string `json:"threadId"`
}

// FrameType categorizes websocket frames sent to the client.
type FrameType string

const (
	// FrameChunk carries one piece of model output.
	FrameChunk FrameType = "chunk"
	// FrameDone marks the end of a reply.
	FrameDone FrameType = "done"
	// FrameError reports a failed request; the socket stays open.
	FrameError FrameType = "error"
)

// Frame is a websocket message sent to the client.
type Frame struct {
	Type FrameType `json:"type"`
	Data string    `json:"data,omitempty"`
}
