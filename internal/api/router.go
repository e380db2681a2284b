// Package api 问答服务的 HTTP 与 WebSocket 接口
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"schema-retriever/internal/app"
)

// Handlers 接口处理器
type Handlers struct {
	app      *app.App
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandlers 创建处理器
func NewHandlers(a *app.App, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		app: a,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许跨域
			},
		},
		logger: logger.Named("api"),
	}
}

// NewRouter 注册全部路由。timeout 作用于普通请求，WebSocket 不受限
func NewRouter(a *app.App, logger *zap.Logger, timeout time.Duration) http.Handler {
	h := NewHandlers(a, logger)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		h.requestLogger,
		middleware.Recoverer,
	)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", h.handleWebSocket)

		r.Group(func(r chi.Router) {
			if timeout > 0 {
				r.Use(middleware.Timeout(timeout))
			}
			r.Post("/ask", h.handleAsk)
			r.Get("/link", h.handleLink)

			r.Get("/graph", h.handleGraph)
			r.Get("/graph/export", h.handleExport)
			r.Post("/graph/reload", h.handleReload)
			r.Post("/concepts", h.handleAddConcepts)
			r.Post("/synonyms", h.handleAddSynonyms)

			r.Get("/cache", h.handleCacheStats)
			r.Delete("/cache", h.handlePurgeCache)
		})
	})
	return r
}

// requestLogger 访问日志
func (h *Handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
