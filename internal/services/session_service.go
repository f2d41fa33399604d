// internal/services/session_service.go
package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/events"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/Corphon/NovelIntruder/internal/storage"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// idleAfter marks a session idle in status reports.
const idleAfter = 30 * time.Minute

// TurnOptions 单回合生成选项
type TurnOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// TurnInput is one player step.
type TurnInput struct {
	SessionID    string             `json:"session_id"`
	Context      string             `json:"context"`
	PlayerChoice string             `json:"player_choice"`
	AnchorID     string             `json:"anchor_id,omitempty"`
	AnchorInfo   *models.AnchorInfo `json:"anchor_info,omitempty"`
	// Protagonist is used only when the turn creates the session.
	Protagonist string      `json:"protagonist,omitempty"`
	Options     TurnOptions `json:"options"`
}

// TurnResult is what a committed turn hands back.
type TurnResult struct {
	SessionID   string              `json:"session_id"`
	TurnNumber  int                 `json:"turn_number"`
	ScriptUnits []models.ScriptUnit `json:"script"`
	Globals     models.GlobalState  `json:"globals"`
	// AppliedDelta is the deviation change after the controller bands.
	AppliedDelta float64        `json:"applied_delta"`
	Fallback     bool           `json:"fallback"`
	CacheHit     bool           `json:"cache_hit"`
	Usage        models.Usage   `json:"usage"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SessionHealth 会话引擎健康状态
type SessionHealth struct {
	Healthy    bool             `json:"healthy"`
	Storage    string           `json:"storage"`
	Sessions   int              `json:"sessions"`
	Dispatcher DispatcherHealth `json:"dispatcher"`
}

// SessionService runs the turn transaction: load, generate, apply, append,
// compact, save. Everything happens under the session lock.
type SessionService struct {
	store              storage.Store
	dispatcher         *GenerationDispatcher
	controller         *DeviationController
	compactor          *Compactor
	bus                *events.Bus
	metrics            *utils.Metrics
	stats              *StatsService
	defaultProtagonist string
	logger             zerolog.Logger
}

// NewSessionService 创建会话编排服务
func NewSessionService(
	store storage.Store,
	dispatcher *GenerationDispatcher,
	controller *DeviationController,
	compactor *Compactor,
	bus *events.Bus,
	metrics *utils.Metrics,
	defaultProtagonist string,
) *SessionService {
	return &SessionService{
		store:              store,
		dispatcher:         dispatcher,
		controller:         controller,
		compactor:          compactor,
		bus:                bus,
		metrics:            metrics,
		defaultProtagonist: defaultProtagonist,
		logger:             utils.Component("session"),
	}
}

// SetStats enables usage accounting; nil disables it.
func (s *SessionService) SetStats(stats *StatsService) {
	s.stats = stats
}

// UsageStats returns the usage counters, or nil when accounting is off.
func (s *SessionService) UsageStats() *UsageStats {
	if s.stats == nil {
		return nil
	}
	return s.stats.GetUsageStats()
}

// CreateSession returns the existing snapshot or creates an initial one.
// An empty id gets a fresh uuid.
func (s *SessionService) CreateSession(ctx context.Context, sessionID, protagonist string) (*models.Snapshot, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := storage.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	unlock, err := s.dispatcher.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.loadOrCreate(ctx, sessionID, protagonist)
}

func (s *SessionService) loadOrCreate(ctx context.Context, sessionID, protagonist string) (*models.Snapshot, error) {
	snap, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return snap, nil
	}
	if protagonist == "" {
		protagonist = s.defaultProtagonist
	}
	snap, err = s.store.CreateInitial(ctx, sessionID, protagonist)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sessionID).Str("protagonist", protagonist).Msg("会话已创建")
	return snap, nil
}

// Generate runs one turn. Vendor trouble yields a fallback script; storage
// failures are returned.
func (s *SessionService) Generate(ctx context.Context, in TurnInput) (*TurnResult, error) {
	if err := storage.ValidateSessionID(in.SessionID); err != nil {
		return nil, err
	}

	unlock, err := s.dispatcher.LockSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := s.logger.With().Str("session_id", in.SessionID).Logger()

	snap, err := s.loadOrCreate(ctx, in.SessionID, in.Protagonist)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestTurn(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}

	memory, err := s.store.LoadMemory(ctx, in.SessionID)
	if err != nil {
		log.Warn().Err(err).Msg("读取故事记忆失败")
		memory = ""
	}

	result := s.dispatcher.GenerateLocked(ctx, GenerateInput{
		SessionID:   in.SessionID,
		Prompt:      in.PlayerChoice,
		Context:     in.Context,
		Globals:     snap.Globals.Clone(),
		AnchorInfo:  in.AnchorInfo,
		Summary:     snap.SummaryText(),
		Memory:      memory,
		Temperature: in.Options.Temperature,
		MaxTokens:   in.Options.MaxTokens,
	})

	s.stats.RecordTurn(result)

	// 重复请求直接返回缓存结果，不重复写入状态
	if result.CacheHit {
		log.Info().Int("turn", latest).Msg("重复请求命中缓存")
		return &TurnResult{
			SessionID:   in.SessionID,
			TurnNumber:  latest,
			ScriptUnits: result.ScriptUnits,
			Globals:     snap.Globals,
			CacheHit:    true,
			Usage:       result.Usage,
			Metadata:    result.Metadata,
		}, nil
	}

	globals, applied := s.applyResult(snap.Globals, result)

	turn := latest + 1
	anchor := models.StringPtr(in.AnchorID)
	userEvent := models.TurnEvent{
		T:      turn,
		Role:   models.RoleUser,
		Anchor: anchor,
		Choice: models.StringPtr(in.PlayerChoice),
		Metadata: map[string]any{
			"context_length": len([]rune(in.Context)),
		},
	}
	assistantEvent := models.TurnEvent{
		T:               turn + 1,
		Role:            models.RoleAssistant,
		Anchor:          anchor,
		Script:          result.ScriptUnits,
		DeviationDelta:  applied,
		AffinityChanges: result.AffinityChanges,
		Metadata:        assistantMetadata(result),
	}

	if err := s.store.Append(ctx, in.SessionID, userEvent); err != nil {
		return nil, err
	}
	if err := s.store.Append(ctx, in.SessionID, assistantEvent); err != nil {
		return nil, err
	}

	snap.Globals = globals
	snap.Recent = append(snap.Recent, userEvent, assistantEvent)
	s.compactor.Compact(ctx, snap)
	if err := s.store.Save(ctx, snap); err != nil {
		return nil, err
	}

	s.metrics.RecordTurn()
	log.Info().
		Int("turn", assistantEvent.T).
		Float64("deviation", globals.Deviation).
		Bool("fallback", result.IsFallback()).
		Int("units", len(result.ScriptUnits)).
		Msg("回合已提交")

	s.publish(in, assistantEvent, globals, result)

	return &TurnResult{
		SessionID:    in.SessionID,
		TurnNumber:   assistantEvent.T,
		ScriptUnits:  result.ScriptUnits,
		Globals:      globals,
		AppliedDelta: applied,
		Fallback:     result.IsFallback(),
		Usage:        result.Usage,
		Metadata:     result.Metadata,
	}, nil
}

// applyResult folds a generation result into a copy of the globals.
func (s *SessionService) applyResult(current models.GlobalState, result *models.GenerationResult) (models.GlobalState, float64) {
	g := current.Clone()

	next := s.controller.Next(g.Deviation, result.DeviationDelta)
	applied := next - g.Deviation
	g.Deviation = next

	for name, change := range result.AffinityChanges {
		if math.IsNaN(change) {
			continue
		}
		g.Affinity[name] = math.Max(models.AffinityMin, math.Min(models.AffinityMax, g.Affinity[name]+change))
	}
	for k, v := range result.FlagsUpdates {
		g.Flags[k] = v
	}
	for k, v := range result.VariablesUpdates {
		g.Variables[k] = v
	}
	return g, applied
}

func assistantMetadata(result *models.GenerationResult) map[string]any {
	md := make(map[string]any, len(result.Metadata)+4)
	for k, v := range result.Metadata {
		md[k] = v
	}
	md["proposed_delta"] = result.DeviationDelta
	md["required_counts"] = result.RequiredCounts
	md["usage"] = result.Usage
	if result.DeviationReasoning != "" {
		md["deviation_reasoning"] = result.DeviationReasoning
	}
	return md
}

func (s *SessionService) publish(in TurnInput, ev models.TurnEvent, globals models.GlobalState, result *models.GenerationResult) {
	if s.bus == nil {
		return
	}
	parts := make([]string, 0, len(ev.Script))
	for _, u := range ev.Script {
		parts = append(parts, u.Content)
	}
	err := s.bus.PublishTurnCompleted(events.TurnCompleted{
		SessionID:    in.SessionID,
		TurnNumber:   ev.T,
		AnchorID:     in.AnchorID,
		PlayerChoice: in.PlayerChoice,
		Deviation:    globals.Deviation,
		Fallback:     result.IsFallback(),
		Units:        len(ev.Script),
		Text:         strings.Join(parts, "\n"),
		At:           time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", in.SessionID).Msg("发布回合消息失败")
	}
}

// GetSnapshot returns the session snapshot or a NotFound error.
func (s *SessionService) GetSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	if err := storage.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	snap, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID), nil)
	}
	return snap, nil
}

// GetSessionStatus 获取会话概要
func (s *SessionService) GetSessionStatus(ctx context.Context, sessionID string) (*models.SessionInfo, error) {
	snap, err := s.GetSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestTurn(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sessionInfo(snap, latest), nil
}

func sessionInfo(snap *models.Snapshot, latest int) *models.SessionInfo {
	status := "active"
	if time.Since(snap.UpdatedAt) > idleAfter {
		status = "idle"
	}
	return &models.SessionInfo{
		SessionID:   snap.SessionID,
		Protagonist: snap.Protagonist,
		CreatedAt:   snap.CreatedAt,
		LastActive:  snap.UpdatedAt,
		TurnCount:   (latest + 1) / 2,
		Status:      status,
		Deviation:   snap.Globals.Deviation,
	}
}

// GetSessionEvents returns events with T >= fromTurn.
func (s *SessionService) GetSessionEvents(ctx context.Context, sessionID string, fromTurn int) ([]models.TurnEvent, error) {
	if _, err := s.GetSnapshot(ctx, sessionID); err != nil {
		return nil, err
	}
	if fromTurn < 1 {
		fromTurn = 1
	}
	return s.store.Read(ctx, sessionID, fromTurn)
}

// ListSessions returns session summaries, most recently active first.
// limit <= 0 means no limit.
func (s *SessionService) ListSessions(ctx context.Context, limit int) ([]models.SessionInfo, error) {
	ids, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]models.SessionInfo, 0, len(ids))
	for _, id := range ids {
		snap, err := s.store.Load(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("加载会话快照失败")
			continue
		}
		if snap == nil {
			continue
		}
		latest, err := s.store.LatestTurn(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("读取最新回合失败")
			continue
		}
		infos = append(infos, *sessionInfo(snap, latest))
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActive.After(infos[j].LastActive)
	})
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// HealthCheck reports storage reachability and dispatcher state.
func (s *SessionService) HealthCheck(ctx context.Context) SessionHealth {
	health := SessionHealth{Storage: "ok", Dispatcher: s.dispatcher.HealthCheck(ctx)}
	ids, err := s.store.ListSessions(ctx)
	if err != nil {
		health.Storage = err.Error()
	}
	health.Sessions = len(ids)
	health.Healthy = err == nil && health.Dispatcher.Healthy
	return health
}

// SaveMemory stores the background story-memory note of a session.
func (s *SessionService) SaveMemory(ctx context.Context, sessionID, note string) error {
	return s.store.SaveMemory(ctx, sessionID, note)
}

// Summarize condenses text with the dispatcher's adapter.
func (s *SessionService) Summarize(ctx context.Context, text string, maxLen int) (string, error) {
	return s.dispatcher.Summarize(ctx, text, maxLen)
}
