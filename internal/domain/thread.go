// Package domain contains core domain types for the chat gateway.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role tags the author of a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole normalizes r into one of the known roles. "user" and "ai" are
// accepted as aliases used by common chat clients.
func ParseRole(r string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "human", "user":
		return RoleHuman, nil
	case "assistant", "ai":
		return RoleAssistant, nil
	case "system":
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("unknown role %q", r)
	}
}

// Message is a single entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	ID      string `json:"id,omitempty"`
}

// ThreadInput is the conversation payload submitted on thread creation.
type ThreadInput struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model"`
}

// Normalize validates roles and rewrites aliases to canonical values.
func (in *ThreadInput) Normalize() error {
	for i := range in.Messages {
		role, err := ParseRole(string(in.Messages[i].Role))
		if err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
		in.Messages[i].Role = role
	}
	in.Model = strings.TrimSpace(in.Model)
	return nil
}

// LastContent returns the content of the final message.
func (in ThreadInput) LastContent() (string, bool) {
	if len(in.Messages) == 0 {
		return "", false
	}
	return in.Messages[len(in.Messages)-1].Content, true
}

// Thread correlates a conversation payload with a generated identifier.
type Thread struct {
	ID        string      `json:"id"`
	Input     ThreadInput `json:"input"`
	CreatedAt time.Time   `json:"created_at"`
}
