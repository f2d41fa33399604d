// internal/api/websocket.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Corphon/NovelIntruder/internal/events"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient 表示一个会话的 WebSocket 连接
type wsClient struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub fans turn-completed notifications out to the session's sockets.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	bus     *events.Bus
	logger  zerolog.Logger
}

// NewHub 创建 WebSocket 推送中心
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		clients: make(map[string]map[*wsClient]struct{}),
		bus:     bus,
		logger:  utils.Component("websocket"),
	}
}

// Run forwards bus messages until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	ch, err := h.bus.Subscribe(ctx, events.TopicTurnCompleted)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			ev, err := events.DecodeTurnCompleted(msg)
			msg.Ack()
			if err != nil {
				h.logger.Warn().Err(err).Msg("无法解析回合消息")
				continue
			}
			h.BroadcastToSession(ev.SessionID, map[string]any{
				"type":          "turn_completed",
				"session_id":    ev.SessionID,
				"turn_number":   ev.TurnNumber,
				"anchor_id":     ev.AnchorID,
				"player_choice": ev.PlayerChoice,
				"deviation":     ev.Deviation,
				"fallback":      ev.Fallback,
				"units":         ev.Units,
				"timestamp":     ev.At.Format(time.RFC3339),
			})
		}
		h.shutdown()
	}()
	return nil
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.sessionID] == nil {
		h.clients[c.sessionID] = make(map[*wsClient]struct{})
	}
	h.clients[c.sessionID][c] = struct{}{}
	h.logger.Info().Str("session_id", c.sessionID).Msg("WebSocket 客户端已连接")
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.sessionID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			c.close()
		}
		if len(set) == 0 {
			delete(h.clients, c.sessionID)
		}
	}
	h.logger.Info().Str("session_id", c.sessionID).Msg("WebSocket 客户端已断开")
}

// BroadcastToSession 向指定会话的所有连接推送消息；队列已满的连接会被断开
func (h *Hub) BroadcastToSession(sessionID string, message map[string]any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error().Err(err).Msg("序列化推送消息失败")
		return
	}

	// 发送在读锁内完成，close 只在写锁下发生
	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients[sessionID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("session_id", sessionID).Msg("客户端消息队列已满，断开连接")
		h.unregister(c)
	}
}

// Status 获取连接统计
func (h *Hub) Status() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make(map[string]int, len(h.clients))
	total := 0
	for id, set := range h.clients {
		sessions[id] = len(set)
		total += len(set)
	}
	return map[string]any{
		"total_sessions":    len(h.clients),
		"total_connections": total,
		"sessions":          sessions,
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for c := range set {
			c.close()
		}
	}
	h.clients = make(map[string]map[*wsClient]struct{})
}

// ServeSession upgrades the request and streams notifications for :id.
func (h *Hub) ServeSession(c *gin.Context) {
	sessionID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("WebSocket 升级失败")
		return
	}

	client := &wsClient{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, wsSendBuffer),
	}
	welcome, _ := json.Marshal(map[string]any{
		"type":       "connected",
		"session_id": sessionID,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
	client.send <- welcome
	h.register(client)

	go h.writePump(client)
	h.readPump(client)
}

// readPump only handles pongs and close frames; clients do not send commands.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("WebSocket 读取错误")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
