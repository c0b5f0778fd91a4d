package llm

import (
	"context"
	"iter"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/config"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIModel streams chat completions from the OpenAI API.
type OpenAIModel struct {
	client       openai.Client
	model        string
	systemPrompt string
	temperature  float32
	timeout      time.Duration
}

func openAIBuilder(cfg config.ModelConfig) Builder {
	return func(_ context.Context, name string) (Model, error) {
		if cfg.OpenAIAPIKey == "" {
			return nil, notConfigured(ProviderOpenAI)
		}
		opts := []option.RequestOption{
			option.WithAPIKey(cfg.OpenAIAPIKey),
			option.WithMaxRetries(0),
		}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
		}
		return &OpenAIModel{
			client:       openai.NewClient(opts...),
			model:        name,
			systemPrompt: cfg.SystemPrompt,
			temperature:  cfg.Temperature,
			timeout:      cfg.Timeout,
		}, nil
	}
}

// Name returns the model identifier.
func (m *OpenAIModel) Name() string {
	return m.model
}

// Stream yields content deltas of a streamed chat completion.
func (m *OpenAIModel) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		streamCtx := ctx
		if m.timeout > 0 {
			var cancel context.CancelFunc
			streamCtx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}

		messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
		if m.systemPrompt != "" {
			messages = append(messages, openai.SystemMessage(m.systemPrompt))
		}
		messages = append(messages, openai.UserMessage(prompt))

		stream := m.client.Chat.Completions.NewStreaming(streamCtx, openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(m.model),
			Messages:    messages,
			Temperature: openai.Float(float64(m.temperature)),
		})
		defer func() {
			if err := stream.Close(); err != nil {
				logx.Debug().Err(err).Str("model", m.model).Msg("failed to close openai stream")
			}
		}()

		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield("", errx.Upstream(err, "model provider request failed"))
		}
	}
}

var _ Model = (*OpenAIModel)(nil)
