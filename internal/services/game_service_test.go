package services

import (
	"context"
	"fmt"
	"testing"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGameFixture(t *testing.T) (*GameService, *sessionFixture) {
	t.Helper()
	f := newSessionFixture(t)
	return NewGameService(f.svc, NewAnchorService(testIndex(t)), testStorylines()), f
}

func TestStartGameOpensAtFirstAnchor(t *testing.T) {
	game, f := newGameFixture(t)

	res, err := game.StartGame(context.Background(), "g1", "char_001")
	require.NoError(t, err)
	assert.Equal(t, "a1_1", res.CurrentAnchor.NodeID)
	assert.Equal(t, "a1_2", res.NextAnchorID)
	assert.Empty(t, res.PreviousAnchorID)
	assert.Equal(t, "第一章开头。主角出场。", res.Context)
	assert.Equal(t, 2, res.TurnNumber)
	assert.False(t, res.StoryEnded)

	require.Len(t, f.provider.requests, 1)
	assert.Contains(t, f.provider.requests[0].UserMessage, "主角出场。")
}

func TestStartGameUnknownProtagonist(t *testing.T) {
	game, _ := newGameFixture(t)
	_, err := game.StartGame(context.Background(), "g1", "char_404")
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestProcessTurnWalksStoryline(t *testing.T) {
	game, _ := newGameFixture(t)
	ctx := context.Background()

	_, err := game.StartGame(ctx, "g1", "char_001")
	require.NoError(t, err)

	// a1_2 -> a2_1 crosses a chapter, so the window restarts at chapter 2
	res, err := game.ProcessTurn(ctx, GameTurnInput{SessionID: "g1", CurrentAnchorID: "a1_2", PlayerChoice: "追上去"})
	require.NoError(t, err)
	assert.Equal(t, "a2_1", res.CurrentAnchor.NodeID)
	assert.Equal(t, "a1_2", res.PreviousAnchorID)
	assert.Equal(t, "第二章开头。冲突升级。", res.Context)
	assert.Equal(t, "ch2_1", res.ContextStats.StartChunkID)
	assert.Empty(t, res.NextAnchorID)
	assert.False(t, res.StoryEnded)
	assert.Equal(t, 4, res.TurnNumber)

	end, err := game.ProcessTurn(ctx, GameTurnInput{SessionID: "g1", CurrentAnchorID: "a2_1", PlayerChoice: "停下"})
	require.NoError(t, err)
	assert.True(t, end.StoryEnded)
	assert.Equal(t, "a2_1", end.CurrentAnchor.NodeID)
	assert.Equal(t, fmt.Sprintf(continuationContextTemplate, "停下"), end.Context)
	assert.NotContains(t, end.Context, "冲突升级。")
	assert.True(t, end.ContextStats.IsFallback)
}

func TestProcessTurnValidation(t *testing.T) {
	game, _ := newGameFixture(t)
	ctx := context.Background()

	_, err := game.ProcessTurn(ctx, GameTurnInput{SessionID: "nobody", CurrentAnchorID: "a1_1"})
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = game.StartGame(ctx, "g1", "char_001")
	require.NoError(t, err)
	_, err = game.ProcessTurn(ctx, GameTurnInput{SessionID: "g1"})
	assert.True(t, apperrors.IsValidationError(err))
	_, err = game.ProcessTurn(ctx, GameTurnInput{SessionID: "g1", CurrentAnchorID: "bogus"})
	assert.True(t, apperrors.IsValidationError(err))
}
