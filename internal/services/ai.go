package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/huangang/modsentry/internal/models"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Completion is the raw text of one provider call plus its token usage.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// ProviderClient translates a Prompt into one provider's native call. Every
// error it returns is a *ProviderError.
type ProviderClient interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
	HealthCheck(ctx context.Context) error
}

// Provider pairs a stored configuration with a ready client.
type Provider struct {
	Config models.LLMConfig
	Client ProviderClient
}

func (p *Provider) Name() string { return p.Config.Name }

// NewProviderClient dispatches on the Provider field, the same way for every
// analysis call.
func NewProviderClient(ctx context.Context, cfg models.LLMConfig) (ProviderClient, error) {
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicClient(cfg), nil
	case "ollama":
		return newOllamaClient(cfg)
	case "gemini":
		return newGeminiClient(ctx, cfg)
	case "azure":
		return newOpenAIClient(cfg, openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)), nil
	default:
		// openai and other OpenAI-compatible services
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		return newOpenAIClient(cfg, clientConfig), nil
	}
}

func maxTokensOf(cfg models.LLMConfig) int {
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return 1024
}

func temperatureOf(cfg models.LLMConfig) float64 {
	if cfg.Temperature > 0 {
		return cfg.Temperature
	}
	return 0.1
}

// --- OpenAI / Azure / OpenAI-compatible ---

type openAIClient struct {
	cfg    models.LLMConfig
	client *openai.Client
}

func newOpenAIClient(cfg models.LLMConfig, clientConfig openai.ClientConfig) *openAIClient {
	return &openAIClient{cfg: cfg, client: openai.NewClientWithConfig(clientConfig)}
}

func (c *openAIClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model, // In Azure, this is the deployment name
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
		Temperature:    float32(temperatureOf(c.cfg)),
		MaxTokens:      maxTokensOf(c.cfg),
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, classifyProviderError(c.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: c.cfg.Name, Kind: FailureBadResponse, Err: fmt.Errorf("no choices in response")}
	}
	return &Completion{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (c *openAIClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return classifyProviderError(c.cfg.Name, err)
	}
	return nil
}

// --- Anthropic ---

type anthropicClient struct {
	cfg    models.LLMConfig
	client anthropic.Client
}

func newAnthropicClient(cfg models.LLMConfig) *anthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	return &anthropicClient{cfg: cfg, client: anthropic.NewClient(opts...)}
}

func (c *anthropicClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   int64(maxTokensOf(c.cfg)),
		Temperature: anthropic.Float(temperatureOf(c.cfg)),
		System:      []anthropic.TextBlockParam{{Text: p.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	})
	if err != nil {
		return nil, classifyProviderError(c.cfg.Name, err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &Completion{
		Text:             content.String(),
		Model:            string(resp.Model),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

func (c *anthropicClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.cfg.Model, anthropic.ModelGetParams{}); err != nil {
		return classifyProviderError(c.cfg.Name, err)
	}
	return nil
}

// --- Ollama ---

type ollamaClient struct {
	cfg    models.LLMConfig
	client *api.Client
}

func newOllamaClient(cfg models.LLMConfig) (*ollamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	return &ollamaClient{cfg: cfg, client: api.NewClient(u, http.DefaultClient)}, nil
}

func (c *ollamaClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	stream := false
	var out Completion
	var content strings.Builder

	err := c.client.Chat(ctx, &api.ChatRequest{
		Model: c.cfg.Model,
		Messages: []api.Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]interface{}{
			"temperature": temperatureOf(c.cfg),
			"num_predict": maxTokensOf(c.cfg),
		},
	}, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			out.Model = resp.Model
			out.PromptTokens = resp.PromptEvalCount
			out.CompletionTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, classifyProviderError(c.cfg.Name, err)
	}
	out.Text = content.String()
	return &out, nil
}

func (c *ollamaClient) HealthCheck(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return classifyProviderError(c.cfg.Name, err)
	}
	return nil
}

// --- Gemini ---

type geminiClient struct {
	cfg    models.LLMConfig
	client *genai.Client
}

func newGeminiClient(ctx context.Context, cfg models.LLMConfig) (*geminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("Gemini client error: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	return &geminiClient{cfg: cfg, client: client}, nil
}

func (c *geminiClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, genai.Text(p.User), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(temperatureOf(c.cfg))),
		MaxOutputTokens:   int32(maxTokensOf(c.cfg)),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return nil, classifyProviderError(c.cfg.Name, err)
	}

	out := &Completion{Text: resp.Text(), Model: c.cfg.Model}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func (c *geminiClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.cfg.Model, nil); err != nil {
		return classifyProviderError(c.cfg.Name, err)
	}
	return nil
}
