// internal/llm/providers/openai/openai.go
package openai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	providerName = "openai"
	defaultModel = "gpt-4o-mini"
)

func init() {
	llm.Register(providerName, func() llm.Provider {
		return &Provider{
			models: []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "o3-mini"},
		}
	})
}

// Provider talks to the OpenAI chat completions API and forces a tool call
// so the reply is the function arguments JSON.
type Provider struct {
	client       openai.Client
	defaultModel string
	models       []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("openai_api密钥未提供")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries belong to the dispatcher
		option.WithMaxRetries(0),
	}
	if baseURL := config["base_url"]; baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout, err := time.ParseDuration(config["timeout"]); err == nil && timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	p.client = openai.NewClient(opts...)

	p.defaultModel = defaultModel
	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	}
	return nil
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserMessage),
		},
		Temperature: openai.Float(req.Temperature),
		Tools: []openai.ChatCompletionToolParam{{
			Function: shared.FunctionDefinitionParam{
				Name:        req.Schema.Name,
				Description: openai.String(req.Schema.Description),
				Parameters:  shared.FunctionParameters(req.Schema.Parameters),
			},
		}},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String("required"),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, llm.ClassifyError(providerName, convertError(err))
	}
	if len(completion.Choices) == 0 {
		return nil, llm.ClassifyError(providerName, errors.New("openai未返回任何结果"))
	}

	choice := completion.Choices[0]
	content := choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		if call.Function.Name == req.Schema.Name || content == "" {
			content = call.Function.Arguments
			break
		}
	}

	resp := &llm.StructuredResponse{
		Content:          content,
		FinishReason:     choice.FinishReason,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:      int(completion.Usage.TotalTokens),
		ModelName:        completion.Model,
		ProviderName:     providerName,
	}
	return resp, nil
}

func (p *Provider) Summarize(ctx context.Context, text string, maxLen int) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.defaultModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(llm.SummaryPrompt(text, maxLen)),
		},
		Temperature:         openai.Float(0.3),
		MaxCompletionTokens: openai.Int(int64(llm.SummaryMaxTokens(maxLen))),
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", llm.ClassifyError(providerName, convertError(err))
	}
	if len(completion.Choices) == 0 {
		return "", llm.ClassifyError(providerName, errors.New("openai未返回任何结果"))
	}
	summary := strings.TrimSpace(completion.Choices[0].Message.Content)
	return llm.TruncateRunes(summary, maxLen), nil
}

func (p *Provider) HealthCheck(ctx context.Context) llm.HealthStatus {
	status := llm.HealthStatus{Provider: providerName, Model: p.defaultModel}
	if _, err := p.client.Models.Get(ctx, p.defaultModel); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

func (p *Provider) ModelInfo() llm.ModelInfo {
	return llm.ModelInfo{
		Provider:         providerName,
		Model:            p.defaultModel,
		SupportedModels:  p.models,
		FunctionCalling:  true,
		JSONMode:         true,
		TemperatureMin:   0,
		TemperatureMax:   2,
		DefaultMaxTokens: 4096,
	}
}

// convertError turns SDK API errors into llm.StatusError for classification.
func convertError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &llm.StatusError{Provider: providerName, StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	return err
}
