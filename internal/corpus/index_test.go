package corpus

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChapters() []models.Chapter {
	return []models.Chapter{
		{ID: 2, Title: "Two", Chunks: []models.Chunk{
			{ChunkID: "ch2_1", Text: "D"},
			{ChunkID: "ch2_2", Text: "E"},
		}},
		{ID: 1, Title: "One", Chunks: []models.Chunk{
			{ChunkID: "ch1_1", Text: "A"},
			{ChunkID: "ch1_2", Text: "B"},
			{ChunkID: "ch1_3", Text: "C"},
		}},
	}
}

func TestIndexLookups(t *testing.T) {
	idx, err := NewIndex(testChapters())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, idx.ChapterIDs())
	assert.Equal(t, 2, idx.MaxChapterID())

	first, err := idx.FirstChunkID(1)
	require.NoError(t, err)
	assert.Equal(t, "ch1_1", first)
	last, err := idx.LastChunkID(2)
	require.NoError(t, err)
	assert.Equal(t, "ch2_2", last)

	texts, err := idx.ChunksInRange(1, "ch1_1", "ch1_3")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, texts)

	next, ok := idx.NextChapterID(1)
	assert.True(t, ok)
	assert.Equal(t, 2, next)
	_, ok = idx.NextChapterID(2)
	assert.False(t, ok)
}

func TestIndexNotFound(t *testing.T) {
	idx, err := NewIndex(testChapters())
	require.NoError(t, err)

	_, err = idx.GetChapter(9)
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = idx.ChunksInRange(1, "ch1_1", "ch2_1")
	assert.True(t, apperrors.IsNotFoundError(err), "end chunk belongs to another chapter")

	_, err = idx.ChunkText("ch7_7")
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = idx.ChunksInRange(1, "ch1_3", "ch1_1")
	assert.True(t, apperrors.IsValidationError(err))
}

func TestNewIndexRejectsDuplicates(t *testing.T) {
	chapters := testChapters()
	chapters[0].Chunks = append(chapters[0].Chunks, models.Chunk{ChunkID: "ch1_1", Text: "dup"})
	_, err := NewIndex(chapters)
	assert.Error(t, err)
}

func TestLoadIndexFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "article_data.json")
	doc := `[{"id":1,"title":"One","chunks":[{"chunk_id":"ch1_1","text":"hello"}]}]`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	idx, err := LoadIndex(path)
	require.NoError(t, err)
	text, err := idx.ChunkText("ch1_1")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	_, err = LoadIndex(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestStorylines(t *testing.T) {
	s := NewStorylines(models.StorylineData{
		Storylines: []models.Storyline{{Protagonist: "hero", Nodes: []string{"a1_1", "a1_2", "a2_1"}}},
		NodesDetail: map[string]models.StoryNode{
			"a1_2": {TextChunkID: "ch1_3", Brief: "the duel", Characters: []string{"hero", "rival"}},
		},
	})

	first, ok := s.FirstAnchor("hero")
	require.True(t, ok)
	assert.Equal(t, "a1_1", first)

	next, ok := s.NextAnchor("hero", "a1_1")
	require.True(t, ok)
	assert.Equal(t, "a1_2", next)

	_, ok = s.NextAnchor("hero", "a2_1")
	assert.False(t, ok)
	_, ok = s.FirstAnchor("nobody")
	assert.False(t, ok)

	assert.Equal(t, "ch1_3", s.ChunkIDFor("a1_2"))
	assert.Equal(t, "ch2_1", s.ChunkIDFor("a2_1"))

	anchor, err := s.ResolveAnchor("a1_2")
	require.NoError(t, err)
	assert.Equal(t, models.Anchor{NodeID: "a1_2", ChunkID: "ch1_3", ChapterID: 1}, anchor)

	info := s.AnchorInfo("a1_2")
	assert.Equal(t, "the duel", info.Brief)

	_, err = s.ResolveAnchor("x1")
	assert.True(t, apperrors.IsValidationError(err))
}

func TestLoadStorylinesMissingFileIsEmpty(t *testing.T) {
	s, err := LoadStorylines(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Empty(t, s.Protagonists())
}
