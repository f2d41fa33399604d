// internal/llm/tokens.go
package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// EstimateTokens counts cl100k tokens, falling back to a rune-based guess
// when the encoder is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if c := getCodec(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	return utf8.RuneCountInString(text)/2 + 1
}

// FillUsage estimates missing token counts of a response in place.
func FillUsage(resp *StructuredResponse, req StructuredRequest) (estimated bool) {
	if resp == nil || resp.TotalTokens > 0 {
		return false
	}
	if resp.PromptTokens == 0 {
		resp.PromptTokens = EstimateTokens(req.SystemPrompt) + EstimateTokens(req.UserMessage)
	}
	if resp.CompletionTokens == 0 {
		resp.CompletionTokens = EstimateTokens(resp.Content)
	}
	resp.TotalTokens = resp.PromptTokens + resp.CompletionTokens
	return true
}
