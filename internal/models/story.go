// internal/models/story.go
package models

// Storyline is the ordered list of anchor nodes followed by one protagonist.
type Storyline struct {
	Protagonist string   `json:"protagonist"`
	Nodes       []string `json:"nodes"`
}

// StoryNode 故事节点详情
type StoryNode struct {
	TextChunkID string   `json:"text_chunk_id"`
	Brief       string   `json:"brief,omitempty"`
	Type        string   `json:"type,omitempty"`
	Characters  []string `json:"characters,omitempty"`
	ImpactScore float64  `json:"impact_score,omitempty"`
}

// StorylineData is the on-disk storyline graph.
type StorylineData struct {
	Storylines  []Storyline          `json:"storylines"`
	NodesDetail map[string]StoryNode `json:"nodes_detail"`
}
