// internal/services/compactor.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	summaryCompressedMarker = "...[摘要被压缩]"

	// 超过该长度的文本分块摘要
	summaryChunkThreshold = 8000
	summaryChunkSize      = 4000
)

// Summarizer condenses free text; used by snapshot compaction.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// TextSummarizer is the adapter-level capability with an explicit length cap.
type TextSummarizer interface {
	Summarize(ctx context.Context, text string, maxLen int) (string, error)
}

// LLMSummarizer summarises through a provider, splitting long input into
// pieces and summarising the joined result again when it is still too long.
type LLMSummarizer struct {
	backend TextSummarizer
	maxLen  int
	ceiling int
	logger  zerolog.Logger
}

// NewLLMSummarizer 创建基于LLM的摘要器
func NewLLMSummarizer(backend TextSummarizer, cfg config.CompactionConfig) *LLMSummarizer {
	return &LLMSummarizer{
		backend: backend,
		maxLen:  cfg.SummaryMaxLength,
		ceiling: cfg.SummaryCeiling,
		logger:  utils.Component("summarizer"),
	}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if len([]rune(text)) <= summaryChunkThreshold {
		return s.backend.Summarize(ctx, text, s.maxLen)
	}

	pieces := splitLines(text, summaryChunkSize)
	summaries := make([]string, 0, len(pieces))
	var lastErr error
	for i, piece := range pieces {
		summary, err := s.backend.Summarize(ctx, piece, s.maxLen)
		if err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Int("piece", i).Msg("分块摘要失败")
			continue
		}
		summaries = append(summaries, summary)
	}
	if len(summaries) == 0 {
		return "", errors.Wrap(lastErr, "summarize all pieces")
	}

	combined := strings.Join(summaries, " ")
	if s.ceiling > 0 && len([]rune(combined)) > s.ceiling {
		return s.backend.Summarize(ctx, combined, s.maxLen)
	}
	return combined, nil
}

// splitLines packs whole lines into pieces of at most size runes. A single
// line longer than size becomes its own piece.
func splitLines(text string, size int) []string {
	var pieces []string
	var current strings.Builder
	currentLen := 0
	for _, line := range strings.Split(text, "\n") {
		n := len([]rune(line))
		if currentLen > 0 && currentLen+n+1 > size {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
			currentLen = 0
		}
		current.WriteString(line)
		current.WriteByte('\n')
		currentLen += n + 1
	}
	if currentLen > 0 {
		pieces = append(pieces, strings.TrimSpace(current.String()))
	}
	return pieces
}

// EventsToText renders turn events as summarisable conversation lines.
func EventsToText(events []models.TurnEvent) string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		switch ev.Role {
		case models.RoleUser:
			choice := models.Deref(ev.Choice)
			if choice == "" {
				choice = models.Deref(ev.Anchor)
			}
			lines = append(lines, "用户: 玩家选择: "+choice)
		case models.RoleAssistant:
			if len(ev.Script) == 0 {
				continue
			}
			parts := make([]string, 0, len(ev.Script))
			for _, u := range ev.Script {
				parts = append(parts, u.Content)
			}
			lines = append(lines, "助手: "+strings.Join(parts, "\n"))
		}
	}
	return strings.Join(lines, "\n")
}

// Compactor keeps snapshots within the recent-event and byte bounds by
// folding the oldest events into the rolling summary.
type Compactor struct {
	cfg        config.CompactionConfig
	summarizer Summarizer
	metrics    *utils.Metrics
	logger     zerolog.Logger
}

// NewCompactor 创建快照压缩器
func NewCompactor(cfg config.CompactionConfig, summarizer Summarizer, metrics *utils.Metrics) *Compactor {
	return &Compactor{
		cfg:        cfg,
		summarizer: summarizer,
		metrics:    metrics,
		logger:     utils.Component("compactor"),
	}
}

// NeedsCompaction reports whether snap exceeds either bound.
func (c *Compactor) NeedsCompaction(snap *models.Snapshot) bool {
	return len(snap.Recent) > c.cfg.MaxRecentEvents || snapshotBytes(snap) > c.cfg.MaxSnapshotBytes
}

// Compact mutates snap in place until the bounds hold or no further
// progress is possible. It reports whether anything changed.
func (c *Compactor) Compact(ctx context.Context, snap *models.Snapshot) bool {
	changed := false
	for c.NeedsCompaction(snap) {
		before := len(snap.Recent)
		if !c.compactOnce(ctx, snap) || len(snap.Recent) >= before {
			break
		}
		changed = true
	}
	return changed
}

func (c *Compactor) compactOnce(ctx context.Context, snap *models.Snapshot) bool {
	log := c.logger.With().Str("session_id", snap.SessionID).Logger()
	if len(snap.Recent) < 2 {
		log.Debug().Msg("事件不足，跳过压缩")
		return false
	}

	batch := min(c.cfg.BatchSize, len(snap.Recent)-1, max(1, len(snap.Recent)/2))
	if batch <= 0 {
		return false
	}

	folded := snap.Recent[:batch]
	summary, err := c.summarize(ctx, folded)
	if err != nil {
		log.Error().Err(err).Msg("摘要失败，改为直接截断")
		return c.truncate(snap)
	}

	snap.Summary = models.StringPtr(c.mergeSummary(snap.SummaryText(), summary))
	snap.Recent = append([]models.TurnEvent(nil), snap.Recent[batch:]...)
	c.metrics.RecordCompaction("summarize")
	log.Info().Int("folded", batch).Int("remaining", len(snap.Recent)).Msg("快照已压缩")
	return true
}

func (c *Compactor) summarize(ctx context.Context, events []models.TurnEvent) (string, error) {
	if c.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	summary, err := c.summarizer.Summarize(ctx, EventsToText(events))
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = fmt.Sprintf("共压缩了 %d 个事件。", len(events))
	}
	return summary, nil
}

// mergeSummary appends next, first cutting an over-long existing summary.
func (c *Compactor) mergeSummary(existing, next string) string {
	if existing == "" {
		return next
	}
	if len([]rune(existing)) > c.cfg.SummaryCeiling {
		existing = llm.TruncateRunes(existing, c.cfg.SummaryKeep) + summaryCompressedMarker
	}
	return existing + "\n\n" + next
}

// truncate drops the oldest events beyond MaxRecentEvents.
func (c *Compactor) truncate(snap *models.Snapshot) bool {
	extra := len(snap.Recent) - c.cfg.MaxRecentEvents
	if extra <= 0 {
		return false
	}
	snap.Recent = append([]models.TurnEvent(nil), snap.Recent[extra:]...)
	c.metrics.RecordCompaction("truncate")
	c.logger.Warn().Str("session_id", snap.SessionID).Int("dropped", extra).Msg("已丢弃最旧的事件")
	return true
}

func snapshotBytes(snap *models.Snapshot) int {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0
	}
	return len(data)
}
