// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Corphon/NovelIntruder/internal/app"
	"github.com/Corphon/NovelIntruder/internal/auth"
	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/corpus"
	"github.com/Corphon/NovelIntruder/internal/llm"
	_ "github.com/Corphon/NovelIntruder/internal/llm/providers/compat"
	_ "github.com/Corphon/NovelIntruder/internal/llm/providers/gemini"
	_ "github.com/Corphon/NovelIntruder/internal/llm/providers/openai"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "novelintruder",
	Short: "NovelIntruder - interactive fiction session engine",
	Long: `NovelIntruder serves anchor-based interactive fiction over HTTP.

Players branch off a source novel turn by turn; every turn is generated by
an LLM, recorded in an append-only event log and folded into a snapshot.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration, corpus and provider connectivity",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(serveCmd, checkCmd)
	// 不带子命令时直接启动服务
	rootCmd.RunE = runServe
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	closer, err := utils.InitLogger(utils.LogOptions{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		LogDir:  cfg.LogDir,
		Service: "novelintruder",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, func() { _ = closer.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info().Str("port", cfg.Port).Msg("启动 NovelIntruder 服务器")

	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ 配置有效 (storage=%s, cache=%s, provider=%s)\n", cfg.Storage.Backend, cfg.Cache.Backend, cfg.LLM.Provider)

	index, err := corpus.LoadIndex(cfg.CorpusFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ 语料: %d 章\n", len(index.ChapterIDs()))

	storylines, err := corpus.LoadStorylines(cfg.StorylineFile)
	if err != nil {
		return err
	}
	broken := 0
	for _, p := range storylines.Protagonists() {
		for id, ok := storylines.FirstAnchor(p); ok; id, ok = storylines.NextAnchor(p, id) {
			anchor, err := storylines.ResolveAnchor(id)
			if err != nil || !index.ChunkExists(anchor.ChunkID) {
				fmt.Fprintf(out, "⚠️ 故事线 %s 的锚点 %s 无法定位\n", p, id)
				broken++
			}
		}
	}
	fmt.Fprintf(out, "✅ 故事线: %d 个主角, %d 个锚点异常\n", len(storylines.Protagonists()), broken)

	provider, err := llm.GetProvider(cfg.LLM.Provider, cfg.LLM.ProviderSettings())
	if err != nil {
		return fmt.Errorf("初始化模型供应商失败: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	status := provider.HealthCheck(ctx)
	if !status.Healthy {
		fmt.Fprintf(out, "❌ 供应商 %s 不可用: %s\n", status.Provider, status.Error)
	} else {
		fmt.Fprintf(out, "✅ 供应商 %s (%s) 可用\n", status.Provider, status.Model)
	}

	if cfg.AuthSecret == "" {
		if key, err := auth.GenerateSecureKey(32); err == nil {
			fmt.Fprintf(out, "ℹ️ 未启用会话令牌，可设置 AUTH_SECRET_KEY=%s\n", key)
		}
	}

	if broken > 0 || !status.Healthy {
		return fmt.Errorf("检查未通过")
	}
	return nil
}
