// internal/services/game_service.go
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/Corphon/NovelIntruder/internal/corpus"
	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/rs/zerolog"
)

const continuationContextTemplate = `### 故事延续

玩家选择了: %s

请基于当前游戏状态和玩家选择，创造一个合理的故事片段。
保持角色一致性，推进剧情发展，并在适当位置提供新的玩家选择机会。

当前情境: 需要继续故事发展...`

// GameTurnInput 游戏回合请求
type GameTurnInput struct {
	SessionID       string `json:"session_id"`
	CurrentAnchorID string `json:"current_anchor_id"`
	PlayerChoice    string `json:"player_choice"`
	IncludeTail     bool   `json:"include_tail"`
	IsLastInChapter bool   `json:"is_last_anchor_in_chapter"`
}

// GameTurnResult is a turn plus where the reader now stands on the storyline.
type GameTurnResult struct {
	*TurnResult
	Context          string              `json:"context"`
	ContextStats     models.ContextStats `json:"context_stats"`
	CurrentAnchor    models.Anchor       `json:"current_anchor"`
	NextAnchorID     string              `json:"next_anchor_id,omitempty"`
	PreviousAnchorID string              `json:"previous_anchor_id,omitempty"`
	StoryEnded       bool                `json:"story_ended"`
}

// GameService drives turns along a protagonist's storyline.
type GameService struct {
	sessions   *SessionService
	anchors    *AnchorService
	storylines *corpus.Storylines
	logger     zerolog.Logger
}

// NewGameService 创建游戏流程服务
func NewGameService(sessions *SessionService, anchors *AnchorService, storylines *corpus.Storylines) *GameService {
	return &GameService{
		sessions:   sessions,
		anchors:    anchors,
		storylines: storylines,
		logger:     utils.Component("game"),
	}
}

// StartGame creates the session and generates the opening at the first
// storyline anchor with an empty player choice.
func (g *GameService) StartGame(ctx context.Context, sessionID, protagonist string) (*GameTurnResult, error) {
	snap, err := g.sessions.CreateSession(ctx, sessionID, protagonist)
	if err != nil {
		return nil, err
	}

	firstID, ok := g.storylines.FirstAnchor(snap.Protagonist)
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no storyline for protagonist %s", snap.Protagonist), nil)
	}
	anchor, err := g.storylines.ResolveAnchor(firstID)
	if err != nil {
		return nil, err
	}

	built, err := g.anchors.BuildContext(anchor, nil, false, false)
	if err != nil {
		return nil, err
	}

	g.logger.Info().Str("session_id", snap.SessionID).Str("anchor", firstID).Msg("开始游戏")
	return g.run(ctx, snap.SessionID, "", anchor, nil, built)
}

// ProcessTurn advances from the current anchor to the next one on the
// storyline. At the end of the storyline the current anchor is reused.
func (g *GameService) ProcessTurn(ctx context.Context, in GameTurnInput) (*GameTurnResult, error) {
	snap, err := g.sessions.GetSnapshot(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if in.CurrentAnchorID == "" {
		return nil, apperrors.NewValidationError("current_anchor_id is required", nil)
	}

	previous, err := g.storylines.ResolveAnchor(in.CurrentAnchorID)
	if err != nil {
		return nil, err
	}

	targetID, ok := g.storylines.NextAnchor(snap.Protagonist, in.CurrentAnchorID)
	if !ok {
		g.logger.Warn().Str("session_id", in.SessionID).Str("anchor", in.CurrentAnchorID).Msg("没有下一个锚点，沿用当前锚点")
		targetID = in.CurrentAnchorID
	}
	target, err := g.storylines.ResolveAnchor(targetID)
	if err != nil {
		return nil, err
	}

	built, err := g.anchors.BuildContext(target, &previous, in.IncludeTail, in.IsLastInChapter)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(built.Context) == "" {
		built.Context = fmt.Sprintf(continuationContextTemplate, in.PlayerChoice)
		built.Stats = models.ContextStats{
			TotalLength:            len([]rune(built.Context)),
			PreviousAnchorProvided: true,
			IsFallback:             true,
		}
	}

	result, err := g.run(ctx, in.SessionID, in.PlayerChoice, target, &previous, built)
	if err != nil {
		return nil, err
	}
	result.StoryEnded = !ok
	return result, nil
}

func (g *GameService) run(ctx context.Context, sessionID, choice string, target models.Anchor, previous *models.Anchor, built *AnchorContext) (*GameTurnResult, error) {
	info := g.storylines.AnchorInfo(target.NodeID)
	if text, err := g.anchors.Index().ChunkText(target.ChunkID); err == nil {
		info.AnchorText = text
	} else {
		g.logger.Warn().Err(err).Str("chunk_id", target.ChunkID).Msg("锚点原文缺失")
	}

	turn, err := g.sessions.Generate(ctx, TurnInput{
		SessionID:    sessionID,
		Context:      built.Context,
		PlayerChoice: choice,
		AnchorID:     target.NodeID,
		AnchorInfo:   &info,
	})
	if err != nil {
		return nil, err
	}

	out := &GameTurnResult{
		TurnResult:    turn,
		Context:       built.Context,
		ContextStats:  built.Stats,
		CurrentAnchor: target,
	}
	if previous != nil {
		out.PreviousAnchorID = previous.NodeID
	}
	snap, err := g.sessions.GetSnapshot(ctx, sessionID)
	if err == nil {
		out.NextAnchorID, _ = g.storylines.NextAnchor(snap.Protagonist, target.NodeID)
	}
	return out, nil
}
