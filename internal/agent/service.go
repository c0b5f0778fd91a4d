package agent

import (
	"context"
	"iter"

	"github.com/ashureev/mcp-chat-gateway/internal/domain"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/llm"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/ashureev/mcp-chat-gateway/internal/store"
)

// Service connects the thread store to the model clients.
type Service struct {
	threads store.ThreadStore
	models  ModelSource
}

// NewService creates a chat service.
func NewService(threads store.ThreadStore, models ModelSource) *Service {
	return &Service{
		threads: threads,
		models:  models,
	}
}

// Stream resolves model and returns its reply chunks for prompt.
// Model resolution errors are returned before any chunk is produced.
func (s *Service) Stream(ctx context.Context, prompt, model string) (iter.Seq2[string, error], error) {
	m, err := s.models.ForModel(ctx, model)
	if err != nil {
		return nil, err
	}
	return m.Stream(ctx, prompt), nil
}

// Chat buffers the full reply to req.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (string, error) {
	seq, err := s.Stream(ctx, req.Message, req.Model)
	if err != nil {
		return "", err
	}
	return llm.Collect(seq)
}

// CreateThread validates input and stores it under a fresh identifier.
func (s *Service) CreateThread(ctx context.Context, input domain.ThreadInput) (string, error) {
	if err := input.Normalize(); err != nil {
		return "", errx.Validation(err.Error())
	}
	if input.Model != "" {
		if _, err := llm.ProviderFor(input.Model); err != nil {
			return "", err
		}
	}

	id, err := s.threads.Create(ctx, input)
	if err != nil {
		return "", err
	}
	logx.Info().Str("thread_id", id).Int("messages", len(input.Messages)).Str("model", input.Model).Msg("thread created")
	return id, nil
}

// StreamThread streams the reply to the last message of thread id using
// the thread's model. An empty id selects the most recent thread.
func (s *Service) StreamThread(ctx context.Context, id string) (iter.Seq2[string, error], error) {
	thread, prompt, err := store.LatestMessage(ctx, s.threads, id)
	if err != nil {
		return nil, err
	}
	return s.Stream(ctx, prompt, thread.Input.Model)
}
