// internal/services/export_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
)

// Export formats.
const (
	ExportJSON     = "json"
	ExportMarkdown = "markdown"
	ExportText     = "txt"
)

// ExportService renders a session's full event log as a readable transcript.
type ExportService struct {
	sessions *SessionService
	now      func() time.Time
}

// NewExportService 创建导出服务
func NewExportService(sessions *SessionService) *ExportService {
	return &ExportService{sessions: sessions, now: time.Now}
}

// ExportSession renders the session in format (json, markdown or txt).
func (s *ExportService) ExportSession(ctx context.Context, sessionID, format string) (*models.ExportResult, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportMarkdown
	}
	if format == "md" {
		format = ExportMarkdown
	}

	snap, err := s.sessions.GetSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := s.sessions.GetSessionEvents(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	stats := analyzeSession(snap, events)

	result := &models.ExportResult{
		SessionID:   sessionID,
		Title:       fmt.Sprintf("%s 的故事", snap.Protagonist),
		Format:      format,
		GeneratedAt: s.now(),
		Stats:       stats,
	}

	switch format {
	case ExportJSON:
		result.Content, err = formatSessionAsJSON(snap, events, stats)
	case ExportMarkdown:
		result.Content = formatSessionAsMarkdown(result.Title, snap, events, stats)
	case ExportText:
		result.Content = formatSessionAsText(result.Title, events)
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("不支持的格式: %s", format), nil)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func analyzeSession(snap *models.Snapshot, events []models.TurnEvent) *models.ExportStats {
	stats := &models.ExportStats{
		Events:         len(events),
		UnitsByType:    map[string]int{},
		FinalDeviation: snap.Globals.Deviation,
		DateRange:      models.DateRange{StartDate: snap.CreatedAt, EndDate: snap.UpdatedAt},
	}
	for _, ev := range events {
		if ev.Role != models.RoleAssistant {
			continue
		}
		stats.Turns++
		if fb, _ := ev.Metadata["fallback"].(bool); fb {
			stats.Fallbacks++
		}
		for t, n := range models.CountUnits(ev.Script) {
			stats.UnitsByType[string(t)] += n
		}
	}
	return stats
}

func formatSessionAsJSON(snap *models.Snapshot, events []models.TurnEvent, stats *models.ExportStats) (string, error) {
	data, err := json.MarshalIndent(map[string]any{
		"session":    snap,
		"events":     events,
		"statistics": stats,
		"export_info": map[string]any{
			"format":  ExportJSON,
			"version": "1.0",
		},
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("JSON序列化失败: %w", err)
	}
	return string(data), nil
}

func formatSessionAsMarkdown(title string, snap *models.Snapshot, events []models.TurnEvent, stats *models.ExportStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)

	b.WriteString("## 📋 会话信息\n\n")
	fmt.Fprintf(&b, "- **会话ID**: %s\n", snap.SessionID)
	fmt.Fprintf(&b, "- **主角**: %s\n", snap.Protagonist)
	fmt.Fprintf(&b, "- **创建时间**: %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **最后更新**: %s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **回合数**: %d\n", stats.Turns)
	fmt.Fprintf(&b, "- **最终偏离度**: %.1f%%\n", stats.FinalDeviation*100)
	if stats.Fallbacks > 0 {
		fmt.Fprintf(&b, "- **降级回合**: %d\n", stats.Fallbacks)
	}
	b.WriteString("\n")

	if summary := snap.SummaryText(); summary != "" {
		b.WriteString("## 前情摘要\n\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	b.WriteString("## 📖 故事记录\n\n")
	for _, ev := range events {
		switch ev.Role {
		case models.RoleUser:
			fmt.Fprintf(&b, "### 第 %d 回合\n\n", (ev.T+1)/2)
			if anchor := models.Deref(ev.Anchor); anchor != "" {
				fmt.Fprintf(&b, "*锚点: %s*\n\n", anchor)
			}
			if choice := models.Deref(ev.Choice); choice != "" {
				fmt.Fprintf(&b, "> **玩家选择**: %s\n\n", choice)
			}
		case models.RoleAssistant:
			for _, u := range ev.Script {
				switch u.Type {
				case models.UnitDialogue:
					fmt.Fprintf(&b, "**%s**: %s\n\n", speakerOrUnknown(u.Speaker), u.Content)
				case models.UnitInteraction:
					fmt.Fprintf(&b, "- [ ] %s\n\n", u.Content)
				default:
					fmt.Fprintf(&b, "%s\n\n", u.Content)
				}
			}
		}
	}

	if len(snap.Globals.Affinity) > 0 {
		b.WriteString("## 角色好感度\n\n")
		b.WriteString("| 角色 | 好感度 |\n|------|--------|\n")
		for _, name := range slices.Sorted(maps.Keys(snap.Globals.Affinity)) {
			fmt.Fprintf(&b, "| %s | %.0f |\n", name, snap.Globals.Affinity[name])
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatSessionAsText(title string, events []models.TurnEvent) string {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", 40))
	b.WriteString("\n\n")
	for _, ev := range events {
		switch ev.Role {
		case models.RoleUser:
			if choice := models.Deref(ev.Choice); choice != "" {
				fmt.Fprintf(&b, "【选择】%s\n\n", choice)
			}
		case models.RoleAssistant:
			for _, u := range ev.Script {
				if u.Type == models.UnitDialogue {
					fmt.Fprintf(&b, "%s：%s\n", speakerOrUnknown(u.Speaker), u.Content)
				} else {
					b.WriteString(u.Content)
					b.WriteString("\n")
				}
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func speakerOrUnknown(speaker *string) string {
	if s := models.Deref(speaker); s != "" {
		return s
	}
	return "未知"
}
