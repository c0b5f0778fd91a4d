package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/config"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// GeminiModel streams replies from a Gemini chat model.
type GeminiModel struct {
	chat         *gemini.ChatModel
	model        string
	systemPrompt string
	timeout      time.Duration
}

func geminiBuilder(cfg config.ModelConfig) Builder {
	return func(ctx context.Context, name string) (Model, error) {
		if cfg.GoogleAPIKey == "" {
			return nil, notConfigured(ProviderGemini)
		}

		clientCfg := &genai.ClientConfig{
			APIKey:  cfg.GoogleAPIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if cfg.GeminiBaseURL != "" {
			clientCfg.HTTPOptions.BaseURL = cfg.GeminiBaseURL
		}

		client, err := genai.NewClient(ctx, clientCfg)
		if err != nil {
			logx.Error().Err(err).Msg("error creating Gemini client")
			return nil, errx.Upstream(err, "create gemini client")
		}

		temperature := cfg.Temperature
		chat, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       name,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini chat model %s: %w", name, err)
		}

		return &GeminiModel{
			chat:         chat,
			model:        name,
			systemPrompt: cfg.SystemPrompt,
			timeout:      cfg.Timeout,
		}, nil
	}
}

// Name returns the model identifier.
func (m *GeminiModel) Name() string {
	return m.model
}

// Stream yields message chunks from the Gemini stream reader.
func (m *GeminiModel) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		streamCtx := ctx
		if m.timeout > 0 {
			var cancel context.CancelFunc
			streamCtx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}

		messages := make([]*schema.Message, 0, 2)
		if m.systemPrompt != "" {
			messages = append(messages, schema.SystemMessage(m.systemPrompt))
		}
		messages = append(messages, schema.UserMessage(prompt))

		reader, err := m.chat.Stream(streamCtx, messages)
		if err != nil {
			yield("", errx.Upstream(err, "model provider request failed"))
			return
		}
		defer reader.Close()

		for {
			msg, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", errx.Upstream(err, "model provider stream failed"))
				return
			}
			if msg == nil || msg.Content == "" {
				continue
			}
			if !yield(msg.Content, nil) {
				return
			}
		}
	}
}

var _ Model = (*GeminiModel)(nil)
