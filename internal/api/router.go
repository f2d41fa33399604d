// internal/api/router.go
package api

import (
	"github.com/Corphon/NovelIntruder/internal/auth"
	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/di"
	"github.com/Corphon/NovelIntruder/internal/services"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置HTTP路由
func SetupRouter(container *di.Container, cfg *config.Config) (*gin.Engine, error) {
	// 只从容器获取服务，不创建新实例
	anchors, err := di.Lookup[*services.AnchorService](container, di.Anchors)
	if err != nil {
		return nil, err
	}
	sessions, err := di.Lookup[*services.SessionService](container, di.Sessions)
	if err != nil {
		return nil, err
	}
	game, err := di.Lookup[*services.GameService](container, di.Game)
	if err != nil {
		return nil, err
	}
	hub, err := di.Lookup[*Hub](container, di.Hub)
	if err != nil {
		return nil, err
	}
	metrics, _ := container.Get(di.Metrics).(*utils.Metrics)

	var issuer *auth.Issuer
	if cfg.AuthSecret != "" {
		issuer, err = auth.NewIssuer(cfg.AuthSecret, cfg.AuthTokenTTL)
		if err != nil {
			return nil, err
		}
	}

	handler := NewHandler(anchors, sessions, game, hub, issuer)
	return NewRouter(handler, metrics, cfg), nil
}

// NewRouter wires routes and middleware around a handler.
func NewRouter(handler *Handler, metrics *utils.Metrics, cfg *config.Config) *gin.Engine {
	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(AccessLog(metrics))
	r.Use(corsMiddleware())
	if cfg.HTTPRatePerMinute > 0 {
		r.Use(NewIngressLimiter(cfg.HTTPRatePerMinute).Middleware(handler.Response))
	}

	r.NoRoute(func(c *gin.Context) {
		handler.Response.NotFound(c, "资源")
	})

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}

	sessionAuth := SessionAuth(handler.Issuer, handler.Response)

	// WebSocket 支持
	r.GET("/ws/sessions/:id", sessionAuth, handler.Hub.ServeSession)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/stats", handler.UsageStats)

		// 锚点与语料
		anchorsGroup := api.Group("/anchors")
		{
			anchorsGroup.POST("/assemble", handler.AssembleAnchors)
			anchorsGroup.POST("/context", handler.BuildAnchorContext)
			anchorsGroup.POST("/validate", handler.ValidateAnchors)
		}
		chunksGroup := api.Group("/chunks")
		{
			chunksGroup.GET("/:id", handler.GetChunk)
			chunksGroup.GET("/:id/next", handler.GetNextChunk)
		}

		// 会话
		sessionsGroup := api.Group("/sessions")
		{
			sessionsGroup.POST("", handler.CreateSession)
			sessionsGroup.GET("", handler.ListSessions)

			owned := sessionsGroup.Group("/:id", sessionAuth)
			{
				owned.GET("/status", handler.GetSessionStatus)
				owned.GET("/events", handler.GetSessionEvents)
				owned.POST("/generate", handler.GenerateTurn)
				owned.GET("/export", handler.ExportSession)
			}
		}

		// 游戏流程
		gameGroup := api.Group("/game")
		{
			gameGroup.POST("/start", handler.StartGame)
			gameGroup.POST("/turn", handler.GameTurn)
		}
	}

	return r
}
