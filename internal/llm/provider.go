// Package llm selects and calls LLM providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoProvider is returned when no registered provider has credentials.
	ErrNoProvider = errors.New("no LLM provider available")

	// ErrUnknownProvider is returned for an override naming an unregistered provider.
	ErrUnknownProvider = errors.New("unknown LLM provider")
)

// Provider names.
const (
	Anthropic  = "anthropic"
	Gemini     = "gemini"
	OpenAI     = "openai"
	DeepSeek   = "deepseek"
	Perplexity = "perplexity"
)

// FallbackOrder is tried when the chosen provider is unavailable.
var FallbackOrder = []string{Anthropic, Gemini, OpenAI, DeepSeek, Perplexity}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single call.
type Options struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

// Usage is the token accounting of a call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is a provider reply.
type Response struct {
	Content  string `json:"content"`
	Usage    Usage  `json:"usage"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	// Available reports whether the provider has usable credentials.
	Available() bool
	Chat(ctx context.Context, messages []Message, opts Options) (*Response, error)
}

// Registry holds the configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Available returns the names of providers with credentials, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, p := range r.providers {
		if p.Available() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// usable reports whether name is registered and has credentials.
func (r *Registry) usable(name string) (Provider, bool) {
	p, ok := r.Get(name)
	if !ok || !p.Available() {
		return nil, false
	}
	return p, true
}
