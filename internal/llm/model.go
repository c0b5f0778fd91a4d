// Package llm provides streaming model clients behind a uniform interface.
package llm

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/mcp-chat-gateway/internal/config"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
)

// Model streams a reply to a single prompt.
type Model interface {
	// Name returns the provider-specific model identifier.
	Name() string

	// Stream yields output chunks in the order the provider produces them.
	// Cancelling ctx aborts the upstream call.
	Stream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Provider identifies a model vendor.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Builder constructs a Model for a model name of its provider.
type Builder func(ctx context.Context, name string) (Model, error)

// ProviderFor maps a model name onto its provider by name pattern.
func ProviderFor(name string) (Provider, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, "gpt-"),
		strings.HasPrefix(n, "o1"),
		strings.HasPrefix(n, "o3"),
		strings.HasPrefix(n, "o4"):
		return ProviderOpenAI, nil
	case strings.HasPrefix(n, "gemini"):
		return ProviderGemini, nil
	default:
		return "", errx.Validation(fmt.Sprintf("unknown model %q", name))
	}
}

// Factory resolves model names to Models and caches them per name.
type Factory struct {
	defaultModel string

	mu       sync.Mutex
	builders map[Provider]Builder
	cache    map[string]Model
}

// NewFactory creates a factory with the OpenAI and Gemini providers wired
// from cfg. Missing credentials are reported when a model is requested.
func NewFactory(cfg config.ModelConfig) *Factory {
	f := &Factory{
		defaultModel: cfg.DefaultModel,
		builders:     make(map[Provider]Builder),
		cache:        make(map[string]Model),
	}
	f.Register(ProviderOpenAI, openAIBuilder(cfg))
	f.Register(ProviderGemini, geminiBuilder(cfg))
	return f
}

// Register installs or replaces the builder for p and drops cached models.
func (f *Factory) Register(p Provider, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[p] = b
	f.cache = make(map[string]Model)
}

// DefaultModel returns the model used when a request names none.
func (f *Factory) DefaultModel() string {
	return f.defaultModel
}

// ForModel returns the Model for name; an empty name selects the default.
func (f *Factory) ForModel(ctx context.Context, name string) (Model, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = f.defaultModel
	}

	provider, err := ProviderFor(name)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.cache[name]; ok {
		return m, nil
	}
	build, ok := f.builders[provider]
	if !ok {
		return nil, notConfigured(provider)
	}
	m, err := build(ctx, name)
	if err != nil {
		return nil, err
	}
	f.cache[name] = m
	return m, nil
}

// Collect drains a stream into a single string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

func notConfigured(p Provider) error {
	return errx.New(nil, http.StatusServiceUnavailable, fmt.Sprintf("model provider %s is not configured", p))
}
