// internal/services/anchor_service.go
package services

import (
	"strconv"
	"strings"

	"github.com/Corphon/NovelIntruder/internal/corpus"
	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const spanSeparator = "\n\n"

// AssembleResult 多锚点拼装结果
type AssembleResult struct {
	Text  string        `json:"text"`
	Spans []models.Span `json:"spans"`
}

// AnchorContext is the reading window fed to one generation step.
type AnchorContext struct {
	Context       string              `json:"context"`
	CurrentAnchor models.Anchor       `json:"current_anchor"`
	Stats         models.ContextStats `json:"context_stats"`
}

// AnchorService 锚点文本拼装服务
type AnchorService struct {
	index  *corpus.Index
	logger zerolog.Logger
}

// NewAnchorService 创建锚点服务
func NewAnchorService(index *corpus.Index) *AnchorService {
	return &AnchorService{
		index:  index,
		logger: utils.Component("anchor"),
	}
}

// Index exposes the corpus index the service reads from.
func (s *AnchorService) Index() *corpus.Index {
	return s.index
}

// Assemble walks the anchors once, flushing a span whenever the chapter changes.
// A span whose range lookup fails is logged and skipped; assembly continues.
func (s *AnchorService) Assemble(anchors []models.Anchor, includeIntro bool) (*AssembleResult, error) {
	if len(anchors) == 0 {
		return nil, apperrors.NewValidationError("anchors must not be empty", nil)
	}

	result := &AssembleResult{Spans: []models.Span{}}
	var parts []string

	flush := func(chapterID int, startID, endID string) {
		texts, err := s.index.ChunksInRange(chapterID, startID, endID)
		if err != nil {
			s.logger.Warn().Err(err).
				Int("chapter_id", chapterID).
				Str("start_id", startID).
				Str("end_id", endID).
				Msg("跳过无法读取的区间")
			return
		}
		joined := strings.Join(texts, "")
		parts = append(parts, joined)
		result.Spans = append(result.Spans, models.Span{
			ChapterID: chapterID,
			StartID:   startID,
			EndID:     endID,
			Text:      joined,
		})
	}

	prev := anchors[0]
	spanStart := s.spanStart(prev, includeIntro)

	for _, curr := range anchors[1:] {
		if curr.ChapterID != prev.ChapterID {
			flush(prev.ChapterID, spanStart, prev.ChunkID)
			spanStart = s.spanStart(curr, includeIntro)
		}
		prev = curr
	}
	flush(prev.ChapterID, spanStart, prev.ChunkID)

	result.Text = strings.Join(parts, spanSeparator)
	return result, nil
}

// spanStart picks the chapter's first chunk for intros, falling back to the
// anchor's own chunk when the chapter cannot be read.
func (s *AnchorService) spanStart(anchor models.Anchor, includeIntro bool) string {
	if !includeIntro {
		return anchor.ChunkID
	}
	first, err := s.index.FirstChunkID(anchor.ChapterID)
	if err != nil {
		s.logger.Warn().Err(err).Int("chapter_id", anchor.ChapterID).Msg("章节开头不可用，使用锚点所在块")
		return anchor.ChunkID
	}
	return first
}

// ValidateAnchors returns one message per anchor whose chunk is unknown.
func (s *AnchorService) ValidateAnchors(anchors []models.Anchor) []string {
	var problems []string
	for i, a := range anchors {
		if !s.index.ChunkExists(a.ChunkID) {
			problems = append(problems, "anchor "+strconv.Itoa(i)+": chunk_id '"+a.ChunkID+"' does not exist")
			continue
		}
		if chapterID, _, _ := s.index.Locate(a.ChunkID); chapterID != a.ChapterID {
			problems = append(problems, "anchor "+strconv.Itoa(i)+": chunk_id '"+a.ChunkID+"' is not in chapter "+strconv.Itoa(a.ChapterID))
		}
	}
	return problems
}

// AssemblyStats summarises an anchor list without reading any text.
func (s *AnchorService) AssemblyStats(anchors []models.Anchor) models.AssemblyStats {
	stats := models.AssemblyStats{TotalAnchors: len(anchors), ChapterSequence: []int{}}
	if len(anchors) == 0 {
		return stats
	}

	seen := map[int]bool{}
	stats.EstimatedSpans = 1
	for i, a := range anchors {
		seen[a.ChapterID] = true
		stats.ChapterSequence = append(stats.ChapterSequence, a.ChapterID)
		if i > 0 && a.ChapterID != anchors[i-1].ChapterID {
			stats.EstimatedSpans++
		}
	}
	stats.UniqueChapters = len(seen)
	return stats
}

// BuildContext returns the text from just after previous (or the chapter
// start) through current, extended to the chapter end when includeTail and
// isLastInChapter both hold. A previous anchor at or after current in the same
// chapter yields an empty window.
func (s *AnchorService) BuildContext(current models.Anchor, previous *models.Anchor, includeTail, isLastInChapter bool) (*AnchorContext, error) {
	if !s.index.ChunkExists(current.ChunkID) {
		return nil, apperrors.NewNotFoundError("chunk not found: "+current.ChunkID, nil)
	}

	var parts []string
	stats := models.ContextStats{PreviousAnchorProvided: previous != nil, EndChunkID: current.ChunkID}

	startID, err := s.contextStart(current, previous)
	if err != nil {
		return nil, err
	}
	stats.StartChunkID = startID

	// startID 为空: previous 不早于 current，窗口为空
	if startID != "" {
		texts, err := s.index.ChunksInRange(current.ChapterID, startID, current.ChunkID)
		if err != nil {
			s.logger.Warn().Err(err).Str("start_id", startID).Str("end_id", current.ChunkID).Msg("区间读取失败，仅使用锚点文本")
			text, textErr := s.index.ChunkText(current.ChunkID)
			if textErr != nil {
				return nil, textErr
			}
			texts = []string{text}
			stats.StartChunkID = current.ChunkID
			stats.IsFallback = true
		}
		parts = append(parts, texts...)
		stats.ChunksIncluded = len(texts)
	}

	if includeTail && isLastInChapter {
		if tail := s.tail(current); len(tail) > 0 {
			parts = append(parts, tail...)
			stats.ChunksIncluded += len(tail)
			stats.HasTail = true
		}
	}

	text := strings.Join(parts, "")
	stats.TotalLength = len([]rune(text))
	return &AnchorContext{Context: text, CurrentAnchor: current, Stats: stats}, nil
}

func (s *AnchorService) contextStart(current models.Anchor, previous *models.Anchor) (string, error) {
	if previous != nil && previous.ChapterID == current.ChapterID {
		prevChapter, prevPos, err := s.index.Locate(previous.ChunkID)
		if err == nil && prevChapter == current.ChapterID {
			_, curPos, _ := s.index.Locate(current.ChunkID)
			if prevPos+1 <= curPos {
				if id, ok := s.index.ChunkAt(current.ChapterID, prevPos+1); ok {
					return id, nil
				}
			}
			return "", nil
		}
	}
	first, err := s.index.FirstChunkID(current.ChapterID)
	if err != nil {
		return "", errors.Wrapf(err, "build context for %s", current.ChunkID)
	}
	return first, nil
}

// tail returns the chunks after current up to the end of its chapter.
func (s *AnchorService) tail(current models.Anchor) []string {
	_, pos, err := s.index.Locate(current.ChunkID)
	if err != nil {
		return nil
	}
	startID, ok := s.index.ChunkAt(current.ChapterID, pos+1)
	if !ok {
		return nil
	}
	endID, err := s.index.LastChunkID(current.ChapterID)
	if err != nil {
		return nil
	}
	texts, err := s.index.ChunksInRange(current.ChapterID, startID, endID)
	if err != nil {
		s.logger.Warn().Err(err).Str("chunk_id", current.ChunkID).Msg("尾部内容读取失败")
		return nil
	}
	return texts
}

// GetChunk returns one chunk with its sequential-read position.
func (s *AnchorService) GetChunk(chunkID string) (*models.ChunkInfo, error) {
	chapterID, pos, err := s.index.Locate(chunkID)
	if err != nil {
		return nil, err
	}
	text, err := s.index.ChunkText(chunkID)
	if err != nil {
		return nil, err
	}

	info := &models.ChunkInfo{ChunkID: chunkID, ChapterID: chapterID, Text: text}
	info.IsLastInChapter = pos+1 >= s.index.ChapterChunkCount(chapterID)

	if !info.IsLastInChapter {
		info.NextChunkID, _ = s.index.ChunkAt(chapterID, pos+1)
		return info, nil
	}

	nextChapter, ok := s.index.NextChapterID(chapterID)
	if !ok || chapterID >= s.index.MaxChapterID() {
		info.IsLastOverall = true
		return info, nil
	}
	if first, err := s.index.FirstChunkID(nextChapter); err == nil {
		info.NextChunkID = first
	} else {
		info.IsLastOverall = true
	}
	return info, nil
}

// GetNextChunk fails with a validation error at the end of the corpus.
func (s *AnchorService) GetNextChunk(chunkID string) (*models.ChunkInfo, error) {
	current, err := s.GetChunk(chunkID)
	if err != nil {
		return nil, err
	}
	if current.IsLastOverall || current.NextChunkID == "" {
		return nil, apperrors.NewValidationError("no more chunks available: reached end of story", nil)
	}
	return s.GetChunk(current.NextChunkID)
}

// FirstChunk returns the opening chunk of the corpus.
func (s *AnchorService) FirstChunk() (*models.ChunkInfo, error) {
	ids := s.index.ChapterIDs()
	if len(ids) == 0 {
		return nil, apperrors.NewNotFoundError("corpus is empty", nil)
	}
	first, err := s.index.FirstChunkID(ids[0])
	if err != nil {
		return nil, err
	}
	return s.GetChunk(first)
}
