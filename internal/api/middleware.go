// internal/api/middleware.go
package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/NovelIntruder/internal/auth"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
)

// RequestID tags each request with an id and a request-scoped logger.
func RequestID() gin.HandlerFunc {
	base := utils.Component("http")
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Set(loggerKey, base.With().Str("request_id", id).Logger())
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return &l
		}
	}
	l := utils.Component("http")
	return &l
}

// AccessLog records one line per request and feeds the HTTP metrics.
func AccessLog(metrics *utils.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.RecordAPIRequest(route, c.Request.Method, c.Writer.Status(), elapsed)

		event := requestLogger(c).Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = requestLogger(c).Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", c.Writer.Status()).
			Dur("elapsed", elapsed).
			Msg("请求完成")
	}
}

// IngressLimiter keeps one token bucket per client IP.
type IngressLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIngressLimiter allows perMinute requests per client with an equal burst.
func NewIngressLimiter(perMinute int) *IngressLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &IngressLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		idleTTL:  10 * time.Minute,
	}
}

func (l *IngressLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	v, ok := l.visitors[key]
	if !ok {
		// 顺便清理长期不活跃的客户端
		for k, old := range l.visitors {
			if now.Sub(old.lastSeen) > l.idleTTL {
				delete(l.visitors, k)
			}
		}
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware rejects clients that exceed their budget with 429.
func (l *IngressLimiter) Middleware(rh *ResponseHelper) gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := l.get(c.ClientIP())
		if !lim.Allow() {
			c.Header("Retry-After", strconv.Itoa(60/l.burst+1))
			rh.Error(c, http.StatusTooManyRequests, ErrorRateLimited, "请求过于频繁，请稍后再试")
			return
		}
		c.Next()
	}
}

// SessionAuth requires a bearer token issued for the :id session. A nil
// issuer disables the check.
func SessionAuth(issuer *auth.Issuer, rh *ResponseHelper) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		if issuer == nil || sessionID == "" {
			c.Next()
			return
		}
		if err := verifyBearer(c, issuer, sessionID); err != nil {
			requestLogger(c).Warn().Err(err).Str("session_id", sessionID).Msg("会话令牌无效")
			rh.Unauthorized(c, "会话令牌无效")
			return
		}
		c.Next()
	}
}

// verifyBearer reads the token from the Authorization header or, for
// websocket clients, the token query parameter.
func verifyBearer(c *gin.Context, issuer *auth.Issuer, sessionID string) error {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		token = c.Query("token")
	}
	if token == "" {
		return errors.New("missing session token")
	}
	return issuer.Verify(token, sessionID)
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
