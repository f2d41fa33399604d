// internal/corpus/index.go
package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/pkg/errors"
)

type chunkLocation struct {
	chapterID int
	position  int
}

// Index is the read-only chaptered text store. It is safe for concurrent use
// because nothing mutates it after construction.
type Index struct {
	chapters   map[int]*models.Chapter
	order      []int // chapter ids ascending
	chunkIndex map[string]chunkLocation
}

// LoadIndex 从 article_data.json 加载语料
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read corpus file %s", path)
	}

	var chapters []models.Chapter
	if err := json.Unmarshal(data, &chapters); err != nil {
		return nil, errors.Wrapf(err, "parse corpus file %s", path)
	}
	return NewIndex(chapters)
}

// NewIndex builds an index from in-memory chapters.
func NewIndex(chapters []models.Chapter) (*Index, error) {
	idx := &Index{
		chapters:   make(map[int]*models.Chapter, len(chapters)),
		chunkIndex: make(map[string]chunkLocation),
	}

	for i := range chapters {
		ch := chapters[i]
		if _, dup := idx.chapters[ch.ID]; dup {
			return nil, apperrors.NewValidationError(fmt.Sprintf("duplicate chapter id %d", ch.ID), nil)
		}
		for pos, chunk := range ch.Chunks {
			if _, dup := idx.chunkIndex[chunk.ChunkID]; dup {
				return nil, apperrors.NewValidationError(fmt.Sprintf("duplicate chunk id %s", chunk.ChunkID), nil)
			}
			idx.chunkIndex[chunk.ChunkID] = chunkLocation{chapterID: ch.ID, position: pos}
		}
		idx.chapters[ch.ID] = &ch
		idx.order = append(idx.order, ch.ID)
	}
	sort.Ints(idx.order)
	return idx, nil
}

// GetChapter returns the chapter with the given id.
func (idx *Index) GetChapter(chapterID int) (*models.Chapter, error) {
	ch, ok := idx.chapters[chapterID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("chapter %d not found", chapterID), nil)
	}
	return ch, nil
}

// FirstChunkID 获取章节的第一个 chunk
func (idx *Index) FirstChunkID(chapterID int) (string, error) {
	ch, err := idx.GetChapter(chapterID)
	if err != nil {
		return "", err
	}
	if len(ch.Chunks) == 0 {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("chapter %d has no chunks", chapterID), nil)
	}
	return ch.Chunks[0].ChunkID, nil
}

// LastChunkID returns the final chunk of a chapter.
func (idx *Index) LastChunkID(chapterID int) (string, error) {
	ch, err := idx.GetChapter(chapterID)
	if err != nil {
		return "", err
	}
	if len(ch.Chunks) == 0 {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("chapter %d has no chunks", chapterID), nil)
	}
	return ch.Chunks[len(ch.Chunks)-1].ChunkID, nil
}

// ChunksInRange returns the texts of [startID, endID] in chapter order.
// Both ids must belong to the chapter and start must not follow end.
func (idx *Index) ChunksInRange(chapterID int, startID, endID string) ([]string, error) {
	ch, err := idx.GetChapter(chapterID)
	if err != nil {
		return nil, err
	}
	start, err := idx.positionIn(chapterID, startID)
	if err != nil {
		return nil, err
	}
	end, err := idx.positionIn(chapterID, endID)
	if err != nil {
		return nil, err
	}
	if start > end {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("chunk range %s..%s is reversed in chapter %d", startID, endID, chapterID), nil)
	}

	texts := make([]string, 0, end-start+1)
	for _, c := range ch.Chunks[start : end+1] {
		texts = append(texts, c.Text)
	}
	return texts, nil
}

func (idx *Index) positionIn(chapterID int, chunkID string) (int, error) {
	loc, ok := idx.chunkIndex[chunkID]
	if !ok || loc.chapterID != chapterID {
		return 0, apperrors.NewNotFoundError(fmt.Sprintf("chunk %s not found in chapter %d", chunkID, chapterID), nil)
	}
	return loc.position, nil
}

// ChunkText returns a single chunk's text.
func (idx *Index) ChunkText(chunkID string) (string, error) {
	loc, ok := idx.chunkIndex[chunkID]
	if !ok {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("chunk %s not found", chunkID), nil)
	}
	return idx.chapters[loc.chapterID].Chunks[loc.position].Text, nil
}

// ChunkExists reports whether the chunk id is known.
func (idx *Index) ChunkExists(chunkID string) bool {
	_, ok := idx.chunkIndex[chunkID]
	return ok
}

// Locate returns the chapter and zero-based position of a chunk.
func (idx *Index) Locate(chunkID string) (chapterID, position int, err error) {
	loc, ok := idx.chunkIndex[chunkID]
	if !ok {
		return 0, 0, apperrors.NewNotFoundError(fmt.Sprintf("chunk %s not found", chunkID), nil)
	}
	return loc.chapterID, loc.position, nil
}

// ChunkAt returns the chunk id at a position of a chapter.
func (idx *Index) ChunkAt(chapterID, position int) (string, bool) {
	ch, ok := idx.chapters[chapterID]
	if !ok || position < 0 || position >= len(ch.Chunks) {
		return "", false
	}
	return ch.Chunks[position].ChunkID, true
}

// ChapterChunkCount 章节 chunk 数量
func (idx *Index) ChapterChunkCount(chapterID int) int {
	ch, ok := idx.chapters[chapterID]
	if !ok {
		return 0
	}
	return len(ch.Chunks)
}

// ChapterIDs returns all chapter ids ascending.
func (idx *Index) ChapterIDs() []int {
	out := make([]int, len(idx.order))
	copy(out, idx.order)
	return out
}

// MaxChapterID returns the largest chapter id, or 0 for an empty corpus.
func (idx *Index) MaxChapterID() int {
	if len(idx.order) == 0 {
		return 0
	}
	return idx.order[len(idx.order)-1]
}

// NextChapterID returns the first chapter id after chapterID.
func (idx *Index) NextChapterID(chapterID int) (int, bool) {
	i := sort.SearchInts(idx.order, chapterID+1)
	if i >= len(idx.order) {
		return 0, false
	}
	return idx.order[i], true
}
