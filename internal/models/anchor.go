// internal/models/anchor.go
package models

// Anchor 语料中的书签位置
type Anchor struct {
	NodeID    string `json:"node_id"`
	ChunkID   string `json:"chunk_id"`
	ChapterID int    `json:"chapter_id"`
}

// Chunk is the smallest addressable unit of corpus text.
type Chunk struct {
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

// Chapter holds its chunks in reading order.
type Chapter struct {
	ID     int     `json:"id"`
	Title  string  `json:"title,omitempty"`
	Chunks []Chunk `json:"chunks"`
}

// Span is a contiguous run of chunk text within one chapter.
type Span struct {
	ChapterID int    `json:"chapter_id"`
	StartID   string `json:"start_id"`
	EndID     string `json:"end_id"`
	Text      string `json:"text"`
}

// ChunkInfo is the sequential-read view of a single chunk.
type ChunkInfo struct {
	ChunkID         string `json:"chunk_id"`
	ChapterID       int    `json:"chapter_id"`
	Text            string `json:"text"`
	IsLastInChapter bool   `json:"is_last_in_chapter"`
	IsLastOverall   bool   `json:"is_last_overall"`
	NextChunkID     string `json:"next_chunk_id,omitempty"`
}

// ContextStats describes how a reading window was built.
type ContextStats struct {
	TotalLength            int    `json:"total_length"`
	HasTail                bool   `json:"has_tail"`
	ChunksIncluded         int    `json:"chunks_included"`
	StartChunkID           string `json:"start_chunk_id,omitempty"`
	EndChunkID             string `json:"end_chunk_id,omitempty"`
	PreviousAnchorProvided bool   `json:"previous_anchor_provided"`
	IsFallback             bool   `json:"is_fallback,omitempty"`
}

// AssemblyStats 多锚点拼装的统计信息
type AssemblyStats struct {
	TotalAnchors    int   `json:"total_anchors"`
	UniqueChapters  int   `json:"unique_chapters"`
	EstimatedSpans  int   `json:"estimated_spans"`
	ChapterSequence []int `json:"chapter_sequence"`
}
