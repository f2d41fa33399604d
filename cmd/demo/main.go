// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/Corphon/NovelIntruder/internal/app"
	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/di"
	_ "github.com/Corphon/NovelIntruder/internal/llm/providers/compat"
	_ "github.com/Corphon/NovelIntruder/internal/llm/providers/gemini"
	_ "github.com/Corphon/NovelIntruder/internal/llm/providers/openai"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/Corphon/NovelIntruder/internal/services"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F780FF")).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	narrationStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E9E9F4"))
	speakerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BE9FD"))
	choiceStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("❌ "+err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// 控制台模式只把日志写到文件，避免打断剧情输出
	closer, err := utils.InitLogger(utils.LogOptions{Level: "warn", Format: "json", LogDir: cfg.LogDir, Service: "demo"})
	if err != nil {
		return err
	}
	defer closer.Close()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := a.StartWorkers(ctx); err != nil {
		return err
	}

	game, err := di.Lookup[*services.GameService](a.Container(), di.Game)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("NovelIntruder 控制台"))
	sessionID := "console_" + uuid.NewString()[:8]
	turn, err := game.StartGame(ctx, sessionID, cfg.DefaultProtagonist)
	if err != nil {
		return err
	}
	render(turn)

	reader := bufio.NewReader(os.Stdin)
	for !turn.StoryEnded {
		choice := prompt(reader, turn)
		if choice == "/quit" {
			break
		}
		next, err := game.ProcessTurn(ctx, services.GameTurnInput{
			SessionID:       sessionID,
			CurrentAnchorID: turn.CurrentAnchor.NodeID,
			PlayerChoice:    choice,
		})
		if err != nil {
			fmt.Println(errorStyle.Render("生成失败: " + err.Error()))
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		turn = next
		render(turn)
	}
	fmt.Println(statusStyle.Render("故事结束，会话 " + sessionID))
	return nil
}

func render(turn *services.GameTurnResult) {
	fmt.Println()
	for _, u := range turn.ScriptUnits {
		switch u.Type {
		case models.UnitDialogue:
			speaker := models.Deref(u.Speaker)
			if speaker == "" {
				speaker = "？"
			}
			fmt.Println(speakerStyle.Render(speaker+"：") + narrationStyle.Render(u.Content))
		case models.UnitInteraction:
			fmt.Println(choiceStyle.Render("▶ " + u.Content))
		default:
			fmt.Println(narrationStyle.Render(u.Content))
		}
	}
	status := fmt.Sprintf("回合 %d · 偏离度 %.1f%% · 锚点 %s", turn.TurnNumber, turn.Globals.Deviation*100, turn.CurrentAnchor.NodeID)
	if turn.Fallback {
		status += " · 降级输出"
	}
	fmt.Println(statusStyle.Render(status))
}

// prompt reads a choice; an empty line takes the interaction's default reply.
func prompt(reader *bufio.Reader, turn *services.GameTurnResult) string {
	fallback := ""
	for _, u := range turn.ScriptUnits {
		if u.IsInteraction() {
			fallback = models.Deref(u.DefaultReply)
		}
	}
	fmt.Print(choiceStyle.Render("你的选择> "))
	line, err := reader.ReadString('\n')
	if err != nil {
		return "/quit"
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return fallback
	}
	return line
}
