package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// OpenAIProvider implements the Provider interface for OpenAI-compatible APIs.
type OpenAIProvider struct {
	config ProviderConfig
	http   httpClient
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider. The endpoint
// defaults to the public OpenAI API.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	if org := cfg.Extra["organization"]; org != "" {
		headers["OpenAI-Organization"] = org
	}
	return &OpenAIProvider{
		config: cfg,
		http:   newHTTPClient(cfg, headers),
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// chatURL builds the chat completions URL. Some hosted gateways address the
// model in the path; Extra["path_model"]="true" selects that layout.
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	in := openAIRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		in.Temperature = &t
	}

	var out openAIResponse
	if err := p.http.do(ctx, http.MethodPost, p.chatURL(req.Model), in, &out); err != nil {
		p.logger.Debug("openai chat failed", zap.String("provider", p.config.ID), zap.Error(err))
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", p.config.ID)
	}

	usage := out.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        usage,
	}, nil
}

// ListModels returns the model ids served by the endpoint.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := p.http.do(ctx, http.MethodGet, p.config.Endpoint+"/models", nil, &out); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	models := make([]string, len(out.Data))
	for i, m := range out.Data {
		models[i] = m.ID
	}
	return models, nil
}

// HealthCheck verifies the endpoint answers a model listing.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}
