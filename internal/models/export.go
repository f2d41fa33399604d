// internal/models/export.go
package models

import (
	"time"
)

// ExportResult 导出结果
type ExportResult struct {
	SessionID   string       `json:"session_id"`
	Title       string       `json:"title"`
	Format      string       `json:"format"`
	Content     string       `json:"content"`
	GeneratedAt time.Time    `json:"generated_at"`
	Stats       *ExportStats `json:"stats,omitempty"`
}

// ExportStats 会话导出统计
type ExportStats struct {
	Turns          int            `json:"turns"`
	Events         int            `json:"events"`
	Fallbacks      int            `json:"fallbacks"`
	UnitsByType    map[string]int `json:"units_by_type"`
	FinalDeviation float64        `json:"final_deviation"`
	DateRange      DateRange      `json:"date_range"`
}

// DateRange 日期范围
type DateRange struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}
