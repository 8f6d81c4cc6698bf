package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when neither the requested nor a default provider exists.
var ErrNoProvider = errors.New("no provider available")

// Router manages multiple LLM providers and routes completion requests to the
// provider an agent declares, falling back along a configured chain.
type Router struct {
	providers map[string]Provider
	fallbacks map[string][]string // providerID -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetFallbacks configures the providers tried, in order, when providerID fails.
func (r *Router) SetFallbacks(providerID string, fallbackIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[providerID] = fallbackIDs
}

// Complete sends a completion request through the provider it names (or the
// default provider) and converts the answer into the orchestrator contract.
func (r *Router) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	r.mu.RLock()
	primary := r.getProvider(req.Provider)
	var chain []Provider
	if primary != nil {
		for _, fbID := range r.fallbacks[primary.ID()] {
			if fb, ok := r.providers[fbID]; ok {
				chain = append(chain, fb)
			}
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("%w for %q", ErrNoProvider, req.Provider)
	}

	chat := toChatRequest(req)
	resp, err := primary.Chat(ctx, chat)
	if err == nil {
		return fromChatResponse(primary.ID(), resp), nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("provider %s: %w", primary.ID(), err)
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("provider", primary.ID()), zap.Error(err))

	for _, fb := range chain {
		resp, err = fb.Chat(ctx, chat)
		if err == nil {
			return fromChatResponse(fb.ID(), resp), nil
		}
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for %s: %w", primary.ID(), err)
}

func (r *Router) getProvider(id string) Provider {
	if id != "" {
		if p, ok := r.providers[id]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

func toChatRequest(req *CompletionRequest) *ChatRequest {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.SystemInstruction != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemInstruction})
	}
	msgs = append(msgs, req.Messages...)
	return &ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func fromChatResponse(providerID string, resp *ChatResponse) *CompletionResponse {
	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return &CompletionResponse{
		Text:           resp.Content,
		TokensConsumed: tokens,
		Model:          resp.Model,
		ProviderID:     providerID,
	}
}
