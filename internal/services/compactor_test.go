package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSummarizer struct {
	out    string
	err    error
	inputs []string
}

func (s *stubSummarizer) Summarize(_ context.Context, text string) (string, error) {
	s.inputs = append(s.inputs, text)
	return s.out, s.err
}

type recordingBackend struct {
	calls []string
	fail  map[int]bool
}

func (b *recordingBackend) Summarize(_ context.Context, text string, maxLen int) (string, error) {
	i := len(b.calls)
	b.calls = append(b.calls, text)
	if b.fail[i] {
		return "", errors.New("vendor down")
	}
	return "片段摘要", nil
}

func testCompactionConfig() config.CompactionConfig {
	return config.CompactionConfig{
		MaxRecentEvents:  50,
		MaxSnapshotBytes: 32768,
		BatchSize:        30,
		SummaryCeiling:   2000,
		SummaryKeep:      1500,
		SummaryMaxLength: 500,
	}
}

func snapshotWithEvents(n int) *models.Snapshot {
	snap := models.NewSnapshot("s1", "char_001")
	for i := 1; i <= n; i++ {
		ev := models.TurnEvent{T: i, Role: models.RoleUser, Choice: models.StringPtr("前进")}
		if i%2 == 0 {
			ev = models.TurnEvent{T: i, Role: models.RoleAssistant, Script: []models.ScriptUnit{
				{Type: models.UnitNarration, Content: "道路延伸。"},
			}}
		}
		snap.Recent = append(snap.Recent, ev)
	}
	return snap
}

func TestCompactFoldsOldestBatch(t *testing.T) {
	s := &stubSummarizer{out: "第一段摘要"}
	c := NewCompactor(testCompactionConfig(), s, nil)
	snap := snapshotWithEvents(51)

	require.True(t, c.Compact(context.Background(), snap))
	// batch = min(30, 50, 25)
	assert.Len(t, snap.Recent, 26)
	assert.Equal(t, 26, snap.Recent[0].T)
	assert.Equal(t, "第一段摘要", snap.SummaryText())
	require.Len(t, s.inputs, 1)
	assert.Contains(t, s.inputs[0], "用户: 玩家选择: 前进")
	assert.Contains(t, s.inputs[0], "助手: 道路延伸。")
}

func TestCompactWithinBoundsIsNoop(t *testing.T) {
	s := &stubSummarizer{out: "x"}
	c := NewCompactor(testCompactionConfig(), s, nil)
	snap := snapshotWithEvents(50)

	assert.False(t, c.Compact(context.Background(), snap))
	assert.Len(t, snap.Recent, 50)
	assert.Empty(t, s.inputs)
}

func TestCompactAppendsAndCompressesLongSummary(t *testing.T) {
	s := &stubSummarizer{out: "新摘要"}
	c := NewCompactor(testCompactionConfig(), s, nil)
	snap := snapshotWithEvents(51)
	snap.Summary = models.StringPtr(strings.Repeat("旧", 2100))

	c.Compact(context.Background(), snap)
	summary := snap.SummaryText()
	assert.True(t, strings.HasPrefix(summary, strings.Repeat("旧", 1500)+summaryCompressedMarker+"\n\n"))
	assert.True(t, strings.HasSuffix(summary, "新摘要"))

	snap2 := snapshotWithEvents(51)
	snap2.Summary = models.StringPtr("短摘要")
	c.Compact(context.Background(), snap2)
	assert.Equal(t, "短摘要\n\n新摘要", snap2.SummaryText())
}

func TestCompactSummarizerFailureTruncates(t *testing.T) {
	s := &stubSummarizer{err: errors.New("vendor down")}
	c := NewCompactor(testCompactionConfig(), s, nil)
	snap := snapshotWithEvents(60)

	require.True(t, c.Compact(context.Background(), snap))
	assert.Len(t, snap.Recent, 50)
	assert.Equal(t, 11, snap.Recent[0].T)
	assert.Empty(t, snap.SummaryText())
}

func TestCompactBySizeReachesBound(t *testing.T) {
	cfg := testCompactionConfig()
	cfg.MaxSnapshotBytes = 2000
	s := &stubSummarizer{out: "摘要"}
	c := NewCompactor(cfg, s, nil)

	snap := models.NewSnapshot("s1", "char_001")
	for i := 1; i <= 20; i++ {
		snap.Recent = append(snap.Recent, models.TurnEvent{T: i, Role: models.RoleAssistant, Script: []models.ScriptUnit{
			{Type: models.UnitNarration, Content: strings.Repeat("长", 100)},
		}})
	}
	require.True(t, c.NeedsCompaction(snap))

	c.Compact(context.Background(), snap)
	assert.True(t, len(snap.Recent) <= cfg.MaxRecentEvents || snapshotBytes(snap) <= cfg.MaxSnapshotBytes)
	assert.NotEmpty(t, snap.SummaryText())
	assert.Equal(t, 20, snap.Recent[len(snap.Recent)-1].T)
}

func TestCompactEmptySummaryGetsPlaceholder(t *testing.T) {
	c := NewCompactor(testCompactionConfig(), &stubSummarizer{out: "  "}, nil)
	snap := snapshotWithEvents(51)

	c.Compact(context.Background(), snap)
	assert.Equal(t, "共压缩了 25 个事件。", snap.SummaryText())
}

func TestLLMSummarizerSplitsLongText(t *testing.T) {
	backend := &recordingBackend{fail: map[int]bool{1: true}}
	s := NewLLMSummarizer(backend, testCompactionConfig())

	line := strings.Repeat("字", 999)
	text := strings.Repeat(line+"\n", 10)
	out, err := s.Summarize(context.Background(), text)
	require.NoError(t, err)

	assert.Len(t, backend.calls, 3)
	for _, piece := range backend.calls {
		assert.LessOrEqual(t, len([]rune(piece)), summaryChunkSize)
	}
	assert.Equal(t, "片段摘要 片段摘要", out)
}

func TestLLMSummarizerShortTextSingleCall(t *testing.T) {
	backend := &recordingBackend{}
	s := NewLLMSummarizer(backend, testCompactionConfig())

	out, err := s.Summarize(context.Background(), "短文本")
	require.NoError(t, err)
	assert.Equal(t, "片段摘要", out)
	assert.Equal(t, []string{"短文本"}, backend.calls)

	out, err = s.Summarize(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, out)
}
