// internal/models/generation.go
package models

// RequiredCounts 目标内容单元数量
type RequiredCounts struct {
	Narration   int `json:"narration"`
	Dialogue    int `json:"dialogue"`
	Interaction int `json:"interaction"`
}

// Total returns the sum of all unit counts.
func (c RequiredCounts) Total() int {
	return c.Narration + c.Dialogue + c.Interaction
}

// Usage is token accounting reported by (or estimated for) a vendor call.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// GenerationResult is the normalised outcome of one generation step.
type GenerationResult struct {
	ScriptUnits        []ScriptUnit       `json:"script_units"`
	DeviationDelta     float64            `json:"deviation_delta"`
	DeviationReasoning string             `json:"deviation_reasoning,omitempty"`
	AffinityChanges    map[string]float64 `json:"affinity_changes,omitempty"`
	FlagsUpdates       map[string]bool    `json:"flags_updates,omitempty"`
	VariablesUpdates   map[string]any     `json:"variables_updates,omitempty"`
	RequiredCounts     RequiredCounts     `json:"required_counts"`
	Usage              Usage              `json:"usage"`
	Metadata           map[string]any     `json:"metadata,omitempty"`

	// CacheHit is set when the result was served from the dedup cache.
	CacheHit bool `json:"-"`
}

// IsFallback reports whether the result is the canned degraded script.
func (r *GenerationResult) IsFallback() bool {
	if r == nil || r.Metadata == nil {
		return false
	}
	v, _ := r.Metadata["fallback"].(bool)
	return v
}

// AnchorInfo 锚点的剧情描述信息
type AnchorInfo struct {
	AnchorID    string   `json:"anchor_id"`
	Brief       string   `json:"brief,omitempty"`
	Type        string   `json:"type,omitempty"`
	Characters  []string `json:"characters,omitempty"`
	ImpactScore float64  `json:"impact_score,omitempty"`
	TextChunkID string   `json:"text_chunk_id"`
	AnchorText  string   `json:"anchor_text,omitempty"`
}
