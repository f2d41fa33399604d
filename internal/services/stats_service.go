// internal/services/stats_service.go
package services

import (
	"encoding/json"
	"errors"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/Corphon/NovelIntruder/internal/storage"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/rs/zerolog"
)

const statsFile = "usage_stats.json"

// UsageStats 表示生成用量统计
type UsageStats struct {
	TodayTurns    int            `json:"today_turns"`
	MonthlyTokens int            `json:"monthly_tokens"`
	TotalTurns    int            `json:"total_turns"`
	Fallbacks     int            `json:"fallbacks"`
	CacheHits     int            `json:"cache_hits"`
	DailyTurns    map[string]int `json:"daily_turns"`
	MonthlyStats  map[string]int `json:"monthly_tokens_by_month"`
	ByProvider    map[string]int `json:"turns_by_provider"`
	LastUpdated   time.Time      `json:"last_updated"`
}

func newUsageStats(now time.Time) *UsageStats {
	return &UsageStats{
		DailyTurns:   map[string]int{},
		MonthlyStats: map[string]int{},
		ByProvider:   map[string]int{},
		LastUpdated:  now,
	}
}

func (u *UsageStats) clone() *UsageStats {
	out := *u
	out.DailyTurns = maps.Clone(u.DailyTurns)
	out.MonthlyStats = maps.Clone(u.MonthlyStats)
	out.ByProvider = maps.Clone(u.ByProvider)
	return &out
}

// StatsService keeps day/month usage counters and flushes them to disk in
// the background. Writes are batched; Close flushes what is pending.
type StatsService struct {
	files        *storage.FileStorage
	mutex        sync.Mutex
	stats        *UsageStats
	dirty        bool
	saveInterval time.Duration
	now          func() time.Time

	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// NewStatsService loads dir/usage_stats.json if present.
func NewStatsService(dir string, saveInterval time.Duration) (*StatsService, error) {
	files, err := storage.NewFileStorage(dir)
	if err != nil {
		return nil, err
	}
	if saveInterval <= 0 {
		saveInterval = 30 * time.Second
	}
	s := &StatsService{
		files:        files,
		saveInterval: saveInterval,
		now:          time.Now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		logger:       utils.Component("stats"),
	}
	s.stats = s.load()
	go s.periodicSave()
	return s, nil
}

func (s *StatsService) load() *UsageStats {
	data, err := s.files.LoadTextFile("", statsFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Msg("读取用量统计失败，重新计数")
		}
		return newUsageStats(s.now())
	}
	var stats UsageStats
	if err := json.Unmarshal(data, &stats); err != nil {
		s.logger.Warn().Err(err).Msg("用量统计文件损坏，重新计数")
		return newUsageStats(s.now())
	}
	// 确保映射已初始化
	if stats.DailyTurns == nil {
		stats.DailyTurns = map[string]int{}
	}
	if stats.MonthlyStats == nil {
		stats.MonthlyStats = map[string]int{}
	}
	if stats.ByProvider == nil {
		stats.ByProvider = map[string]int{}
	}
	return &stats
}

// rollPeriod resets the rolling counters when the day or month changed.
func (s *StatsService) rollPeriod(now time.Time) {
	last := s.stats.LastUpdated
	if now.Format("2006-01-02") != last.Format("2006-01-02") {
		s.stats.TodayTurns = 0
	}
	if now.Format("2006-01") != last.Format("2006-01") {
		s.stats.MonthlyTokens = 0
	}
}

// RecordTurn counts one generation outcome. Cache hits cost no tokens.
func (s *StatsService) RecordTurn(result *models.GenerationResult) {
	if s == nil || result == nil {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	s.rollPeriod(now)
	st := s.stats
	if result.CacheHit {
		st.CacheHits++
	} else {
		tokens := result.Usage.TotalTokens
		st.TodayTurns++
		st.TotalTurns++
		st.MonthlyTokens += tokens
		st.DailyTurns[now.Format("2006-01-02")]++
		st.MonthlyStats[now.Format("2006-01")] += tokens
		if result.IsFallback() {
			st.Fallbacks++
		}
		if provider, _ := result.Metadata["provider"].(string); provider != "" {
			st.ByProvider[provider]++
		}
	}
	st.LastUpdated = now
	s.dirty = true
}

// GetUsageStats 获取用量统计副本
func (s *StatsService) GetUsageStats() *UsageStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rollPeriod(s.now())
	return s.stats.clone()
}

// Flush writes pending counters to disk.
func (s *StatsService) Flush() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.flushLocked()
}

func (s *StatsService) flushLocked() error {
	if !s.dirty {
		return nil
	}
	if err := s.files.SaveJSONFile("", statsFile, s.stats); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *StatsService) periodicSave() {
	defer close(s.done)
	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn().Err(err).Msg("定时保存用量统计失败")
			}
		case <-s.stop:
			return
		}
	}
}

// Close 停止定时保存并写入未保存的数据
func (s *StatsService) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		err = s.Flush()
		if closeErr := s.files.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}
