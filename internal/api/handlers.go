// internal/api/handlers.go
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Corphon/NovelIntruder/internal/auth"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/Corphon/NovelIntruder/internal/services"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	Anchors  *services.AnchorService
	Sessions *services.SessionService
	Game     *services.GameService
	Export   *services.ExportService
	Hub      *Hub
	Issuer   *auth.Issuer // nil 表示不启用会话令牌
	Response *ResponseHelper
}

// NewHandler 创建API处理器
func NewHandler(anchors *services.AnchorService, sessions *services.SessionService, game *services.GameService, hub *Hub, issuer *auth.Issuer) *Handler {
	return &Handler{
		Anchors:  anchors,
		Sessions: sessions,
		Game:     game,
		Export:   services.NewExportService(sessions),
		Hub:      hub,
		Issuer:   issuer,
		Response: NewResponseHelper(),
	}
}

// AssembleRequest 锚点拼接请求
type AssembleRequest struct {
	Anchors      []models.Anchor `json:"anchors" binding:"required,min=1"`
	IncludeIntro bool            `json:"include_intro"`
}

// ContextRequest 锚点上下文请求
type ContextRequest struct {
	CurrentAnchor   models.Anchor  `json:"current_anchor"`
	PreviousAnchor  *models.Anchor `json:"previous_anchor,omitempty"`
	IncludeTail     bool           `json:"include_tail"`
	IsLastInChapter bool           `json:"is_last_anchor_in_chapter"`
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	SessionID   string `json:"session_id"`
	Protagonist string `json:"protagonist"`
}

// GenerateRequest 单回合生成请求
type GenerateRequest struct {
	Context      string               `json:"context"`
	PlayerChoice string               `json:"player_choice"`
	AnchorID     string               `json:"anchor_id"`
	AnchorInfo   *models.AnchorInfo   `json:"anchor_info,omitempty"`
	Protagonist  string               `json:"protagonist"`
	Options      services.TurnOptions `json:"options"`
}

// StartGameRequest 开始游戏请求
type StartGameRequest struct {
	SessionID   string `json:"session_id"`
	Protagonist string `json:"protagonist"`
}

// ------------------------------------------------
// 语料与锚点

// AssembleAnchors 拼接锚点原文
func (h *Handler) AssembleAnchors(c *gin.Context) {
	var req AssembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	result, err := h.Anchors.Assemble(req.Anchors, req.IncludeIntro)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{
		"text":  result.Text,
		"spans": result.Spans,
		"stats": h.Anchors.AssemblyStats(req.Anchors),
	})
}

// BuildAnchorContext 构建锚点上下文窗口
func (h *Handler) BuildAnchorContext(c *gin.Context) {
	var req ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	result, err := h.Anchors.BuildContext(req.CurrentAnchor, req.PreviousAnchor, req.IncludeTail, req.IsLastInChapter)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, result)
}

// ValidateAnchors 检查锚点是否可拼接
func (h *Handler) ValidateAnchors(c *gin.Context) {
	var req AssembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	problems := h.Anchors.ValidateAnchors(req.Anchors)
	h.Response.Success(c, gin.H{
		"valid":    len(problems) == 0,
		"problems": problems,
		"stats":    h.Anchors.AssemblyStats(req.Anchors),
	})
}

// GetChunk 按ID读取文本块
func (h *Handler) GetChunk(c *gin.Context) {
	info, err := h.Anchors.GetChunk(c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, info)
}

// GetNextChunk 读取下一个文本块
func (h *Handler) GetNextChunk(c *gin.Context) {
	info, err := h.Anchors.GetNextChunk(c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, info)
}

// ------------------------------------------------
// 会话

// CreateSession 创建或返回已有会话
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	if !h.authorizeExisting(c, req.SessionID) {
		return
	}
	snap, err := h.Sessions.CreateSession(c.Request.Context(), req.SessionID, req.Protagonist)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	data := gin.H{"session": snap}
	if !h.attachToken(c, data, snap.SessionID) {
		return
	}
	h.Response.Created(c, data, "会话已创建")
}

// ListSessions 列出会话
func (h *Handler) ListSessions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		h.Response.BadRequest(c, "limit 必须是非负整数")
		return
	}
	infos, err := h.Sessions.ListSessions(c.Request.Context(), limit)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"sessions": infos, "count": len(infos)})
}

// GetSessionStatus 获取会话状态
func (h *Handler) GetSessionStatus(c *gin.Context) {
	info, err := h.Sessions.GetSessionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, info)
}

// GetSessionEvents 读取会话事件
func (h *Handler) GetSessionEvents(c *gin.Context) {
	from, err := strconv.Atoi(c.DefaultQuery("from_turn", "1"))
	if err != nil {
		h.Response.BadRequest(c, "from_turn 必须是整数")
		return
	}
	evs, err := h.Sessions.GetSessionEvents(c.Request.Context(), c.Param("id"), from)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"events": evs, "count": len(evs)})
}

// GenerateTurn 生成一个回合
func (h *Handler) GenerateTurn(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	result, err := h.Sessions.Generate(c.Request.Context(), services.TurnInput{
		SessionID:    c.Param("id"),
		Context:      req.Context,
		PlayerChoice: req.PlayerChoice,
		AnchorID:     req.AnchorID,
		AnchorInfo:   req.AnchorInfo,
		Protagonist:  req.Protagonist,
		Options:      req.Options,
	})
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, result)
}

// ExportSession 导出会话记录
func (h *Handler) ExportSession(c *gin.Context) {
	result, err := h.Export.ExportSession(c.Request.Context(), c.Param("id"), c.DefaultQuery("format", services.ExportMarkdown))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	if c.Query("download") == "true" {
		contentType := "text/plain; charset=utf-8"
		ext := result.Format
		switch result.Format {
		case services.ExportJSON:
			contentType = "application/json; charset=utf-8"
		case services.ExportMarkdown:
			contentType = "text/markdown; charset=utf-8"
			ext = "md"
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.SessionID+"."+ext))
		c.Data(http.StatusOK, contentType, []byte(result.Content))
		return
	}
	h.Response.Success(c, result)
}

// ------------------------------------------------
// 游戏流程

// StartGame 开始游戏并生成开场
func (h *Handler) StartGame(c *gin.Context) {
	var req StartGameRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	if !h.authorizeExisting(c, req.SessionID) {
		return
	}
	result, err := h.Game.StartGame(c.Request.Context(), req.SessionID, req.Protagonist)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	data := gin.H{"turn": result}
	if !h.attachToken(c, data, result.SessionID) {
		return
	}
	h.Response.Success(c, data)
}

// GameTurn 推进游戏一个回合
func (h *Handler) GameTurn(c *gin.Context) {
	var req services.GameTurnInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}
	if req.SessionID == "" {
		h.Response.BadRequest(c, "session_id 不能为空")
		return
	}
	if !h.authorize(c, req.SessionID) {
		return
	}
	result, err := h.Game.ProcessTurn(c.Request.Context(), req)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, result)
}

// ------------------------------------------------
// 运维

// Health 健康检查；依赖异常时返回 503
func (h *Handler) Health(c *gin.Context) {
	health := h.Sessions.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, &APIResponse{
		Success:   health.Healthy,
		Data:      gin.H{"engine": health, "websocket": h.Hub.Status()},
		Timestamp: time.Now(),
		RequestID: requestID(c),
	})
}

// UsageStats 获取生成用量统计
func (h *Handler) UsageStats(c *gin.Context) {
	stats := h.Sessions.UsageStats()
	if stats == nil {
		h.Response.NotFound(c, "用量统计")
		return
	}
	h.Response.Success(c, stats)
}

// attachToken adds a session token to data when tokens are enabled.
func (h *Handler) attachToken(c *gin.Context, data gin.H, sessionID string) bool {
	if h.Issuer == nil {
		return true
	}
	token, err := h.Issuer.Issue(sessionID)
	if err != nil {
		h.Response.FromError(c, err)
		return false
	}
	data["token"] = token
	return true
}

func (h *Handler) authorize(c *gin.Context, sessionID string) bool {
	if h.Issuer == nil {
		return true
	}
	if err := verifyBearer(c, h.Issuer, sessionID); err != nil {
		requestLogger(c).Warn().Err(err).Str("session_id", sessionID).Msg("会话令牌无效")
		h.Response.Unauthorized(c, "会话令牌无效")
		return false
	}
	return true
}

// authorizeExisting guards requests that may return a token for a session
// someone else already owns.
func (h *Handler) authorizeExisting(c *gin.Context, sessionID string) bool {
	if h.Issuer == nil || sessionID == "" {
		return true
	}
	if _, err := h.Sessions.GetSnapshot(c.Request.Context(), sessionID); err != nil {
		return true
	}
	return h.authorize(c, sessionID)
}
