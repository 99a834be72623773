// Package apihttp 暴露跟踪配置、行情查看与收益任务的 HTTP API。
package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dealscan/internal/ingest"
	"dealscan/internal/logger"
	"dealscan/internal/market"
	"dealscan/internal/returns"
	"dealscan/internal/tasks"
	"dealscan/internal/tracking"

	"github.com/gin-gonic/gin"
)

type TrackingService interface {
	Create(ctx context.Context, userID string, ref market.InstrumentRef, setting market.FetchSetting) (market.TrackingConfig, error)
	List(ctx context.Context, userID string) ([]market.TrackingConfig, error)
	Reorder(ctx context.Context, userID string, ids []int64) error
	Delete(ctx context.Context, userID string, ids []int64) (int64, error)
	AddTopByCap(ctx context.Context, userID string, n int, setting market.FetchSetting) (tracking.SeedReport, error)
}

type Refresher interface {
	Refresh(ctx context.Context, configs []market.TrackingConfig) ingest.Report
}

type CandleReader interface {
	Range(ctx context.Context, key market.SeriesKey, from, to time.Time) ([]market.Candle, error)
}

type TaskRunner interface {
	Submit(ctx context.Context, params returns.Params) (tasks.Task, error)
	Get(ctx context.Context, id string) (tasks.Task, error)
}

type FailureReader interface {
	RecentFailures(ctx context.Context, limit int) ([]ingest.FetchFailure, error)
}

// Config 描述 HTTP Server 的依赖；Failures 可为空。
type Config struct {
	Addr      string
	Tracking  TrackingService
	Refresher Refresher
	Candles   CandleReader
	Tasks     TaskRunner
	Failures  FailureReader
}

type Server struct {
	addr   string
	cfg    Config
	router *gin.Engine
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Tracking == nil || cfg.Refresher == nil || cfg.Candles == nil || cfg.Tasks == nil {
		return nil, errors.New("http server 缺少依赖")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: cfg.Addr, cfg: cfg, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	users := s.router.Group("/api/users/:user")
	users.GET("/configs", s.handleListConfigs)
	users.POST("/configs", s.handleCreateConfig)
	users.PUT("/configs/order", s.handleReorderConfigs)
	users.POST("/configs/top", s.handleAddTopByCap)
	users.DELETE("/configs", s.handleDeleteConfigs)
	users.GET("/candles", s.handleViewCandles)

	api := s.router.Group("/api")
	api.POST("/returns/tasks", s.handleSubmitTask)
	api.GET("/returns/tasks/:id", s.handleGetTask)
	if s.cfg.Failures != nil {
		api.GET("/ingest/failures", s.handleFailures)
	}
}

// Handler 返回底层 http.Handler，供测试使用。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

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

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
