// internal/llm/providers/compat/compat.go
package compat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/sashabaranov/go-openai"
)

// vendor 描述一个兼容OpenAI协议的服务
type vendor struct {
	baseURL      string
	defaultModel string
	models       []string
	headers      map[string]string
	// jsonMode asks for a JSON object instead of a tool call
	jsonMode bool
}

var vendors = map[string]vendor{
	"openrouter": {
		baseURL:      "https://openrouter.ai/api/v1",
		defaultModel: "google/gemma-3-27b-it:free",
		models: []string{
			"google/gemma-3-27b-it:free",
			"qwen/qwen3-235b-a22b:free",
			"nousresearch/hermes-3-llama-3.1-405b:free",
		},
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/Corphon/NovelIntruder",
			"X-Title":      "NovelIntruder",
		},
		jsonMode: true,
	},
	"qwen": {
		baseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
		defaultModel: "qwen2.5-max",
		models:       []string{"qwen2.5-max", "qwen2.5-plus", "qwq-32b"},
	},
	"glm": {
		baseURL:      "https://open.bigmodel.cn/api/paas/v4",
		defaultModel: "glm-4",
		models:       []string{"glm-4", "glm-4-plus", "glm-4.5-air", "glm-4.5", "glm-4.6"},
	},
	"grok": {
		baseURL:      "https://api.x.ai/v1",
		defaultModel: "grok-3",
		models:       []string{"grok-4", "grok-4-fast", "grok-3", "grok-3-mini"},
	},
	"githubmodels": {
		baseURL:      "https://models.inference.ai.azure.com",
		defaultModel: "o3-mini",
		models:       []string{"gpt-4o", "o1", "o3-mini", "Phi-4"},
	},
	"anthropic": {
		baseURL:      "https://api.anthropic.com/v1",
		defaultModel: "claude-3-7-sonnet-latest",
		models:       []string{"claude-3-7-sonnet-latest", "claude-3-5-haiku-latest"},
		jsonMode:     true,
	},
}

func init() {
	for name := range vendors {
		llm.Register(name, func() llm.Provider {
			return &Provider{}
		})
	}
}

// Provider serves every OpenAI-compatible vendor; the registered alias picks
// the base URL and defaults.
type Provider struct {
	name         string
	client       *openai.Client
	defaultModel string
	models       []string
	jsonMode     bool
}

func (p *Provider) Initialize(config map[string]string) error {
	name := config["provider"]
	v, ok := vendors[name]
	if !ok {
		return fmt.Errorf("未知的兼容提供者: %s", name)
	}
	apiKey := config["api_key"]
	if apiKey == "" {
		return fmt.Errorf("%s_api密钥未提供", name)
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = v.baseURL
	if baseURL := config["base_url"]; baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}

	timeout := 120 * time.Second
	if d, err := time.ParseDuration(config["timeout"]); err == nil && d > 0 {
		timeout = d
	}
	cfg.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: &headerTransport{headers: v.headers, base: http.DefaultTransport},
	}

	p.name = name
	p.client = openai.NewClientWithConfig(cfg)
	p.models = v.models
	p.jsonMode = v.jsonMode || config["json_mode"] == "true"
	p.defaultModel = v.defaultModel
	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	}
	return nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserMessage},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	if p.jsonMode {
		chatReq.Messages[0].Content = req.SystemPrompt + "\n\n" + schemaInstruction(req.Schema)
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	} else {
		chatReq.Tools = []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        req.Schema.Name,
				Description: req.Schema.Description,
				Parameters:  req.Schema.Parameters,
			},
		}}
		chatReq.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.Schema.Name},
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, llm.ClassifyError(p.name, p.convertError(err))
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ClassifyError(p.name, fmt.Errorf("%s未返回任何结果", p.name))
	}

	msg := resp.Choices[0].Message
	content := msg.Content
	if len(msg.ToolCalls) > 0 {
		content = msg.ToolCalls[0].Function.Arguments
	}

	out := &llm.StructuredResponse{
		Content:          content,
		FinishReason:     string(resp.Choices[0].FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		ModelName:        resp.Model,
		ProviderName:     p.name,
	}
	if out.ModelName == "" {
		out.ModelName = model
	}
	return out, nil
}

func (p *Provider) Summarize(ctx context.Context, text string, maxLen int) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.defaultModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: llm.SummaryPrompt(text, maxLen)},
		},
		Temperature: 0.3,
		MaxTokens:   llm.SummaryMaxTokens(maxLen),
	})
	if err != nil {
		return "", llm.ClassifyError(p.name, p.convertError(err))
	}
	if len(resp.Choices) == 0 {
		return "", llm.ClassifyError(p.name, fmt.Errorf("%s未返回任何结果", p.name))
	}
	return llm.TruncateRunes(strings.TrimSpace(resp.Choices[0].Message.Content), maxLen), nil
}

func (p *Provider) HealthCheck(ctx context.Context) llm.HealthStatus {
	status := llm.HealthStatus{Provider: p.name, Model: p.defaultModel}
	if _, err := p.client.ListModels(ctx); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

func (p *Provider) ModelInfo() llm.ModelInfo {
	return llm.ModelInfo{
		Provider:         p.name,
		Model:            p.defaultModel,
		SupportedModels:  p.models,
		FunctionCalling:  !p.jsonMode,
		JSONMode:         p.jsonMode,
		TemperatureMin:   0,
		TemperatureMax:   1,
		DefaultMaxTokens: 4096,
	}
}

func (p *Provider) convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &llm.StatusError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &llm.StatusError{Provider: p.name, StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}

// schemaInstruction describes the schema in prose for vendors without tool calls.
func schemaInstruction(schema llm.FunctionSchema) string {
	return fmt.Sprintf("请只输出一个JSON对象，作为函数 %s 的参数，字段必须符合以下JSON Schema：\n%s",
		schema.Name, llm.MarshalSchema(schema))
}

// headerTransport adds vendor specific headers to every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
