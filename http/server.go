// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"keplerai/metrics"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	hub    *Hub
	logger *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	MaxUploadBytes int64
	AllowedOrigins []string
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           5000,
		Timeout:        30 * time.Second,
		MaxUploadBytes: 16 << 20,
		AllowedOrigins: []string{"*"},
	}
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, api *API, m *metrics.Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	// 创建中间件链
	chain := Chain(
		RecoveryMiddleware(logger),                   // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(logger, m),                  // 2. 日志中间件
		SecurityHeadersMiddleware,                    // 3. 安全头中间件
		CORSMiddleware(config.AllowedOrigins),        // 4. CORS中间件
		TimeoutMiddleware(config.Timeout),            // 5. 超时中间件
		RequestSizeMiddleware(config.MaxUploadBytes), // 6. 请求大小限制中间件
	)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      chain(mux),
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
			IdleTimeout:  120 * time.Second,
		},
		hub:    api.hub,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	if s.hub != nil {
		go s.hub.Start()
	}
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")
	if s.hub != nil {
		s.hub.Stop()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
