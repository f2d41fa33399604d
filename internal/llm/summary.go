// internal/llm/summary.go
package llm

import "fmt"

const summaryPromptTemplate = "请简洁地总结以下对话内容，保留关键情节和角色发展：\n\n%s\n\n总结："

// SummaryPrompt builds the shared summarisation instruction.
func SummaryPrompt(text string, maxLen int) string {
	prompt := fmt.Sprintf(summaryPromptTemplate, text)
	if maxLen > 0 {
		prompt = fmt.Sprintf("（不超过%d字）", maxLen) + prompt
	}
	return prompt
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SummaryMaxTokens sizes the completion budget for a summary of maxLen runes.
func SummaryMaxTokens(maxLen int) int {
	if maxLen <= 0 {
		return 512
	}
	return maxLen*2 + 64
}
