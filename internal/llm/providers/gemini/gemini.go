// internal/llm/providers/gemini/gemini.go
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/NovelIntruder/internal/llm"
)

const providerName = "gemini"

func init() {
	llm.Register(providerName, func() llm.Provider {
		return &Provider{
			models: []string{
				"gemini-2.5-pro",
				"gemini-2.5-flash",
				"gemini-2.0-flash",
			},
			baseURL: "https://generativelanguage.googleapis.com/v1",
		}
	})
}

// Provider calls the Gemini generateContent REST endpoint and parses the
// JSON object out of the text reply.
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
	models       []string
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("gemini_api密钥未提供")
	}
	p.apiKey = apiKey

	timeout := 120 * time.Second
	if d, err := time.ParseDuration(config["timeout"]); err == nil && d > 0 {
		timeout = d
	}
	p.client = &http.Client{Timeout: timeout}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gemini-2.0-flash"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
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

	// 系统提示与Schema说明合并到首条用户消息
	prompt := req.SystemPrompt + "\n\n" +
		fmt.Sprintf("请只输出一个JSON对象，作为函数 %s 的参数，字段必须符合以下JSON Schema：\n%s",
			req.Schema.Name, llm.MarshalSchema(req.Schema)) +
		"\n\n" + req.UserMessage

	resp, err := p.generate(ctx, model, prompt, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, err
	}

	out := &llm.StructuredResponse{
		Content:          candidateText(resp),
		FinishReason:     resp.Candidates[0].FinishReason,
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		ModelName:        model,
		ProviderName:     providerName,
	}
	return out, nil
}

func (p *Provider) Summarize(ctx context.Context, text string, maxLen int) (string, error) {
	resp, err := p.generate(ctx, p.defaultModel, llm.SummaryPrompt(text, maxLen), 0.3, llm.SummaryMaxTokens(maxLen))
	if err != nil {
		return "", err
	}
	return llm.TruncateRunes(strings.TrimSpace(candidateText(resp)), maxLen), nil
}

func (p *Provider) generate(ctx context.Context, model, prompt string, temperature float64, maxTokens int) (*generateResponse, error) {
	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	// 构建URL (注意Gemini API的结构与OpenAI不同)
	apiURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.ClassifyError(providerName, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, llm.ClassifyError(providerName, readStatusError(httpResp))
	}

	var response generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, llm.ClassifyError(providerName, err)
	}
	if len(response.Candidates) == 0 {
		return nil, llm.ClassifyError(providerName, errors.New("gemini未返回任何结果"))
	}
	return &response, nil
}

func (p *Provider) HealthCheck(ctx context.Context) llm.HealthStatus {
	status := llm.HealthStatus{Provider: providerName, Model: p.defaultModel}

	url := fmt.Sprintf("%s/models/%s?key=%s", p.baseURL, p.defaultModel, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	resp, err := p.client.Do(req)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		status.Error = readStatusError(resp).Error()
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
		JSONMode:         true,
		TemperatureMin:   0,
		TemperatureMax:   2,
		DefaultMaxTokens: 8192,
	}
}

func candidateText(resp *generateResponse) string {
	var b strings.Builder
	for _, pt := range resp.Candidates[0].Content.Parts {
		b.WriteString(pt.Text)
	}
	return b.String()
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errorResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		msg = errorResp.Error.Message
	}
	return &llm.StatusError{Provider: providerName, StatusCode: resp.StatusCode, Message: msg}
}
