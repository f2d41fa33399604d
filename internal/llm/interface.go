// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// FunctionSchema describes the structured reply the model must produce.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// StructuredRequest 结构化生成请求
type StructuredRequest struct {
	SystemPrompt string         `json:"system_prompt"`
	UserMessage  string         `json:"user_message"`
	Schema       FunctionSchema `json:"schema"`
	Temperature  float64        `json:"temperature"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Model        string         `json:"model,omitempty"`
}

// StructuredResponse carries the raw JSON text of the reply; parsing and
// repair happen in the dispatcher so every vendor goes through one path.
type StructuredResponse struct {
	Content          string `json:"content"`
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
	ModelName        string `json:"model_name,omitempty"`
	ProviderName     string `json:"provider_name,omitempty"`
}

// HealthStatus 提供者健康状态
type HealthStatus struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// ModelInfo describes the configured model and what the adapter supports.
type ModelInfo struct {
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	SupportedModels  []string `json:"supported_models,omitempty"`
	FunctionCalling  bool     `json:"function_calling"`
	JSONMode         bool     `json:"json_mode"`
	TemperatureMin   float64  `json:"temperature_min"`
	TemperatureMax   float64  `json:"temperature_max"`
	DefaultMaxTokens int      `json:"default_max_tokens,omitempty"`
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	Name() string

	// GenerateStructured asks for a reply matching req.Schema. Errors should be
	// classified with ClassifyError so callers can tell transient from terminal.
	GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error)

	// Summarize condenses text to at most maxLen characters.
	Summarize(ctx context.Context, text string, maxLen int) (string, error)

	HealthCheck(ctx context.Context) HealthStatus

	ModelInfo() ModelInfo
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	registryMu sync.RWMutex
	providers  = make(map[string]ProviderFactory)
)

// Register 注册提供者工厂，通常在 init() 中调用
func Register(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	registryMu.RLock()
	factory, exists := providers[name]
	registryMu.RUnlock()
	if !exists {
		return nil, errors.Join(ErrUnknownProvider, errors.New(name))
	}

	provider := factory()
	if err := provider.Initialize(withProviderName(config, name)); err != nil {
		return nil, err
	}
	return provider, nil
}

// withProviderName lets multi-name adapters know which alias they were built for.
func withProviderName(config map[string]string, name string) map[string]string {
	out := make(map[string]string, len(config)+1)
	for k, v := range config {
		out[k] = v
	}
	out["provider"] = name
	return out
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
