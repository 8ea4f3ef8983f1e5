package sub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/internal/api/middleware"
	"github.com/rebeccapanel/Rebecca-sub001/internal/config"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server 订阅服务器，独立于管理 API 监听
type Server struct {
	config     *config.SubscriptionConfig
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	handler    *Handler
}

// NewServer 创建订阅服务器
func NewServer(cfg *config.SubscriptionConfig, handler *Handler) *Server {
	server := &Server{
		config:  cfg,
		router:  mux.NewRouter(),
		logger:  zap.L().Named("sub-server"),
		handler: handler,
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      server.buildHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// buildHandler 构建HTTP处理器
func (s *Server) buildHandler() http.Handler {
	// 注册中间件
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.Recover(s.logger))

	// 令牌路由先注册，避免被 {key} 模板吞掉
	s.router.HandleFunc("/sub/t/{token}", s.handler.ServeByToken).Methods("GET")
	s.router.HandleFunc("/sub/{key}", s.handler.ServeByKey).Methods("GET")

	// 注册别名路径，全部复用同一处理函数
	for _, pattern := range s.config.AliasPaths {
		s.registerAlias(pattern)
	}

	// 添加CORS支持
	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "User-Agent"},
		MaxAge:         86400, // 24小时
	})

	return corsHandler.Handler(s.router)
}

// registerAlias 注册一条别名路径模板。模板必须包含 {key} 占位符，
// 可带查询段（如 /subscribe?token={key}），查询模板变量同样进入
// mux.Vars，交给 ServeByKey 统一处理
func (s *Server) registerAlias(pattern string) {
	if !strings.Contains(pattern, "{key}") {
		s.logger.Warn("订阅别名缺少 {key} 占位符，已忽略",
			zap.String("pattern", pattern))
		return
	}

	path := pattern
	var pairs []string
	if i := strings.Index(pattern, "?"); i >= 0 {
		path = pattern[:i]
		for _, kv := range strings.Split(pattern[i+1:], "&") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				s.logger.Warn("订阅别名查询段无效，已忽略",
					zap.String("pattern", pattern))
				return
			}
			pairs = append(pairs, k, v)
		}
	}
	if path == "" {
		s.logger.Warn("订阅别名路径为空，已忽略",
			zap.String("pattern", pattern))
		return
	}

	route := s.router.HandleFunc(path, s.handler.ServeByKey).Methods("GET")
	if len(pairs) > 0 {
		route.Queries(pairs...)
	}

	s.logger.Info("注册订阅别名", zap.String("pattern", pattern))
}

// Start 启动服务器（非阻塞）
func (s *Server) Start() {
	go func() {
		s.logger.Info("订阅服务器启动",
			zap.String("addr", s.httpServer.Addr))

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("订阅服务器启动失败", zap.Error(err))
		}
	}()
}

// Stop 停止服务器
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}
