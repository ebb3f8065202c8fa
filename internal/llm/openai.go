package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ProviderConfig configures one OpenAI-compatible provider.
type ProviderConfig struct {
	Name              string  `yaml:"name" toml:"name"`
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	Model             string  `yaml:"model" toml:"model"`
	APIKeyEnv         string  `yaml:"api_key_env" toml:"api_key_env"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
	// TimeoutSeconds bounds one HTTP round trip. Zero uses
	// DefaultProviderTimeout.
	TimeoutSeconds int `yaml:"timeout_seconds" toml:"timeout_seconds"`

	// APIKey is resolved from APIKeyEnv and never read from files.
	APIKey string `yaml:"-" toml:"-"`
}

// DefaultProviderTimeout bounds a provider HTTP call when the config sets none.
const DefaultProviderTimeout = 60 * time.Second

// Timeout returns the HTTP timeout for the provider.
func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultProviderTimeout
}

// DefaultProviders returns the five providers through their
// OpenAI-compatible endpoints.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: Anthropic, BaseURL: "https://api.anthropic.com/v1/", Model: "claude-sonnet-4-5", APIKeyEnv: "ANTHROPIC_API_KEY", RequestsPerSecond: 2, Burst: 4},
		{Name: Gemini, BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/", Model: "gemini-2.5-pro", APIKeyEnv: "GEMINI_API_KEY", RequestsPerSecond: 2, Burst: 4},
		{Name: OpenAI, BaseURL: "https://api.openai.com/v1", Model: "gpt-4o", APIKeyEnv: "OPENAI_API_KEY", RequestsPerSecond: 2, Burst: 4},
		{Name: DeepSeek, BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat", APIKeyEnv: "DEEPSEEK_API_KEY", RequestsPerSecond: 2, Burst: 4},
		{Name: Perplexity, BaseURL: "https://api.perplexity.ai", Model: "sonar-pro", APIKeyEnv: "PERPLEXITY_API_KEY", RequestsPerSecond: 1, Burst: 2},
	}
}

// ResolveKey fills APIKey from the environment if it is empty.
func (c *ProviderConfig) ResolveKey() {
	if c.APIKey == "" && c.APIKeyEnv != "" {
		c.APIKey = os.Getenv(c.APIKeyEnv)
	}
}

// OpenAICompatible is a Provider over any OpenAI-compatible chat API.
type OpenAICompatible struct {
	name    string
	model   string
	hasKey  bool
	client  *openai.Client
	limiter *rate.Limiter
}

// NewOpenAICompatible creates a provider from cfg. A provider without a key
// is still registered but reports itself unavailable.
func NewOpenAICompatible(cfg ProviderConfig) *OpenAICompatible {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout()}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &OpenAICompatible{
		name:    cfg.Name,
		model:   cfg.Model,
		hasKey:  cfg.APIKey != "",
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name returns the provider name.
func (p *OpenAICompatible) Name() string { return p.name }

// Available reports whether an API key is configured.
func (p *OpenAICompatible) Available() bool { return p.hasKey }

// Chat sends messages as a chat completion, waiting for the pacing limiter.
func (p *OpenAICompatible) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}

	slog.Debug("llm chat request", slog.String("provider", p.name), slog.String("model", model))
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model:    resp.Model,
		Provider: p.name,
	}, nil
}

// NewRegistryFromConfig registers one OpenAICompatible provider per config
// entry, resolving keys from the environment.
func NewRegistryFromConfig(cfgs []ProviderConfig) *Registry {
	reg := NewRegistry()
	for _, c := range cfgs {
		c.ResolveKey()
		reg.Register(NewOpenAICompatible(c))
	}
	return reg
}
