package relay

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/rest"
	"github.com/zeromicro/go-zero/rest/httpx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Service 中继服务
type Service struct {
	config *Config
	hub    *Hub
	auth   *Authenticator
	tracer *Tracer
	logger *zap.Logger

	upgrader websocket.Upgrader
}

// NewService 创建中继服务
func NewService(c *Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tracer, err := NewTracer(&c.Tracing, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		config: c,
		hub:    NewHub(logger),
		tracer: tracer,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 浏览器客户端跨源连接由上层网关约束
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if c.Auth.Enable {
		s.auth = NewAuthenticator(c.Auth.Secret, c.Auth.Expire, c.Auth.Issuer)
	}
	return s, nil
}

// RegisterHandlers 注册路由
func (s *Service) RegisterHandlers(server *rest.Server) {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return h }
	if s.config.RateLimit.Enable {
		wrap = RateLimitMiddleware(s.config.RateLimit.Rate, s.config.RateLimit.Burst)
	}

	server.AddRoutes([]rest.Route{
		{
			Method:  http.MethodGet,
			Path:    "/ws",
			Handler: wrap(s.handleWS),
		},
		{
			Method:  http.MethodGet,
			Path:    "/healthz",
			Handler: s.handleHealth,
		},
		{
			Method:  http.MethodGet,
			Path:    "/stats",
			Handler: s.handleStats,
		},
	})
}

// handleWS 升级连接并交给中心
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "relay.connect")
	defer span.End()

	userID := ""
	if s.auth != nil {
		claims, err := s.auth.VerifyToken(bearerToken(r))
		if err != nil {
			s.tracer.RecordError(ctx, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID = claims.UserID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.tracer.AddEvent(ctx, "connection_upgraded",
		attribute.String("remote_addr", r.RemoteAddr),
		attribute.String("user_id", userID))
	s.hub.Register(conn, userID)
}

// handleHealth 健康检查
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.OkJson(w, map[string]string{"status": "ok"})
}

// handleStats 运行状态
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	httpx.OkJson(w, s.hub.Snapshot())
}

// Shutdown 关闭服务
func (s *Service) Shutdown() {
	s.hub.Close()
}

// bearerToken 从请求中提取访问令牌
// 浏览器的 WebSocket API 无法设置头部，query 参数作为回退
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// RateLimitMiddleware 限流中间件
// 使用令牌桶算法限制请求速率
func RateLimitMiddleware(r int, burst int) func(http.HandlerFunc) http.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(r), burst)

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next(w, req)
		}
	}
}
