// internal/app/app.go
package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/NovelIntruder/internal/api"
	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/corpus"
	"github.com/Corphon/NovelIntruder/internal/di"
	"github.com/Corphon/NovelIntruder/internal/events"
	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/services"
	"github.com/Corphon/NovelIntruder/internal/storage"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout   = 30 * time.Second
	statsSaveInterval = 30 * time.Second
)

// App owns every long-lived component and their shutdown order.
type App struct {
	config    *config.Config
	container *di.Container
	router    *gin.Engine

	store      storage.Store
	bus        *events.Bus
	dispatcher *services.GenerationDispatcher
	memory     *services.MemoryWorker
	stats      *services.StatsService
	hub        *api.Hub

	closeOnce sync.Once
	logger    zerolog.Logger
}

// Option customises New.
type Option func(*options)

type options struct {
	provider llm.Provider
}

// WithProvider skips the provider registry and uses p directly.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New 按依赖顺序初始化所有服务
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		config:    cfg,
		container: di.NewContainer(),
		logger:    utils.Component("app"),
	}
	if err := a.init(o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(o options) error {
	cfg := a.config
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	metrics := utils.NewMetrics()

	// 1. 语料与故事线
	index, err := corpus.LoadIndex(cfg.CorpusFile)
	if err != nil {
		return err
	}
	storylines, err := corpus.LoadStorylines(cfg.StorylineFile)
	if err != nil {
		return err
	}

	// 2. 存储
	a.store, err = storage.Open(cfg.Storage, cfg.SessionsDir())
	if err != nil {
		return errors.Wrap(err, "open storage")
	}

	// 3. 模型供应商与调度
	provider := o.provider
	if provider == nil {
		provider, err = llm.GetProvider(cfg.LLM.Provider, cfg.LLM.ProviderSettings())
		if err != nil {
			return errors.Wrapf(err, "init provider %s", cfg.LLM.Provider)
		}
	}
	cache, err := services.NewResultCache(cfg.Cache, cfg.Dispatch.CacheTTL, cfg.Dispatch.CacheMaxEntries)
	if err != nil {
		return err
	}
	controller := services.NewDeviationController(cfg.Generation, cfg.Prompt)
	a.dispatcher = services.NewGenerationDispatcher(provider, controller, cache, cfg.Dispatch, metrics)

	summarizer := services.NewLLMSummarizer(a.dispatcher, cfg.Compaction)
	compactor := services.NewCompactor(cfg.Compaction, summarizer, metrics)

	// 4. 会话与游戏
	a.bus = events.NewBus()
	anchors := services.NewAnchorService(index)
	sessions := services.NewSessionService(a.store, a.dispatcher, controller, compactor, a.bus, metrics, cfg.DefaultProtagonist)
	game := services.NewGameService(sessions, anchors, storylines)
	a.stats, err = services.NewStatsService(filepath.Join(cfg.DataDir, "stats"), statsSaveInterval)
	if err != nil {
		return errors.Wrap(err, "open usage stats")
	}
	sessions.SetStats(a.stats)
	a.memory = services.NewMemoryWorker(a.bus, a.store, a.dispatcher)
	a.hub = api.NewHub(a.bus)

	a.container.Register(di.Anchors, anchors)
	a.container.Register(di.Sessions, sessions)
	a.container.Register(di.Game, game)
	a.container.Register(di.Hub, a.hub)
	a.container.Register(di.Metrics, metrics)

	a.router, err = api.SetupRouter(a.container, cfg)
	if err != nil {
		return err
	}

	a.logger.Info().
		Str("provider", provider.Name()).
		Str("storage", cfg.Storage.Backend).
		Str("cache", cfg.Cache.Backend).
		Int("chapters", len(index.ChapterIDs())).
		Int("protagonists", len(storylines.Protagonists())).
		Msg("服务初始化完成")
	return nil
}

// Container exposes the registered services.
func (a *App) Container() *di.Container {
	return a.container
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// StartWorkers starts the background subscribers; they stop when ctx ends.
func (a *App) StartWorkers(ctx context.Context) error {
	if err := a.memory.Start(ctx); err != nil {
		return errors.Wrap(err, "start memory worker")
	}
	if err := a.hub.Run(ctx); err != nil {
		return errors.Wrap(err, "start websocket hub")
	}
	return nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.StartWorkers(runCtx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + a.config.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("服务器启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "启动服务器失败")
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("正在关闭服务器...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "服务器强制关闭")
	}
	a.logger.Info().Msg("服务器已关闭")
	return nil
}

// Close stops workers and releases storage, cache and bus. Safe to call twice.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.memory != nil {
			a.memory.Stop()
		}
		if a.bus != nil {
			if err := a.bus.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("关闭消息总线失败")
			}
		}
		if a.stats != nil {
			if err := a.stats.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("保存用量统计失败")
			}
		}
		if a.dispatcher != nil {
			if err := a.dispatcher.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("关闭生成调度器失败")
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("关闭存储失败")
			}
		}
	})
}
