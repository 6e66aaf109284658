package ladderhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ladder/internal/engine"
	"ladder/internal/logger"
	"ladder/internal/store"
)

// WorkerHub 是 HTTP 层看到的 worker 集合。
type WorkerHub interface {
	Worker(symbol string) (*engine.Worker, bool)
	Symbols() []string
}

// Server 提供最小化的运维 HTTP 面：状态查询、事件流水、动作下发、指标。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖。Events 与 Metrics 可空。
type ServerConfig struct {
	Addr    string
	Hub     WorkerHub
	Events  *store.EventLog
	Metrics http.Handler
}

// NewServer 构建运维 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("http server requires a worker hub")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9981"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/stores", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"symbols": cfg.Hub.Symbols(), "actions": engine.Actions()})
	})
	api.GET("/state/:symbol", func(c *gin.Context) {
		w, ok := cfg.Hub.Worker(c.Param("symbol"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
			return
		}
		data, err := w.StateJSON()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	})
	api.GET("/events/:symbol", func(c *gin.Context) {
		if cfg.Events == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "event log disabled"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		recs, err := cfg.Events.Recent(c.Request.Context(), c.Param("symbol"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": recs})
	})
	api.POST("/action/:symbol/:name", func(c *gin.Context) {
		w, ok := cfg.Hub.Worker(c.Param("symbol"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
			return
		}
		out, err := w.Do(c.Request.Context(), c.Param("name"), c.Query("arg"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": out})
	})

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录接口调用，便于追踪人工操作。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the router for httptest drivers.
func (s *Server) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
