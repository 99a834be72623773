package apihttp

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"
	"dealscan/internal/returns"

	"github.com/gin-gonic/gin"
	"github.com/xhit/go-str2duration/v2"
)

type createConfigRequest struct {
	Engine        string `json:"engine" binding:"required"`
	Market        string `json:"market" binding:"required"`
	Code          string `json:"code" binding:"required"`
	Interval      string `json:"interval" binding:"required"`
	Depth         int    `json:"depth" binding:"required"`
	MaxUpdateRate string `json:"max_update_rate" binding:"required"`
}

// topByCapRequest 的 N 为 0 时使用默认的 150。
type topByCapRequest struct {
	N             int    `json:"n"`
	Interval      string `json:"interval" binding:"required"`
	Depth         int    `json:"depth" binding:"required"`
	MaxUpdateRate string `json:"max_update_rate" binding:"required"`
}

type idsRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

type submitTaskRequest struct {
	Duration        string  `json:"duration" binding:"required"`
	EntryFee        float64 `json:"entry_fee"`
	ExitFee         float64 `json:"exit_fee"`
	LoanFee         float64 `json:"loan_fee"`
	RiskFreeRate    float64 `json:"risk_free_rate"`
	PriceMode       string  `json:"price_mode"`
	SortMetric      string  `json:"sort_metric"`
	IncludeNegative bool    `json:"include_negative"`
	Limit           int     `json:"limit"`
}

// configView 是查看接口中单个配置的刷新结果与K线。
type configView struct {
	Config  market.TrackingConfig `json:"config"`
	Outcome market.Outcome        `json:"outcome"`
	Error   string                `json:"error,omitempty"`
	Candles []market.Candle       `json:"candles"`
}

func (s *Server) handleListConfigs(c *gin.Context) {
	list, err := s.cfg.Tracking.List(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": list})
}

func (s *Server) handleCreateConfig(c *gin.Context) {
	var req createConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	iv, err := market.ParseInterval(req.Interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rate, err := market.ParseUpdateRate(req.MaxUpdateRate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := s.cfg.Tracking.Create(c.Request.Context(), c.Param("user"),
		market.NewInstrumentRef(req.Engine, req.Market, req.Code),
		market.FetchSetting{Interval: iv, Depth: req.Depth, MaxUpdateRate: rate})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

func (s *Server) handleAddTopByCap(c *gin.Context) {
	var req topByCapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	iv, err := market.ParseInterval(req.Interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rate, err := market.ParseUpdateRate(req.MaxUpdateRate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.cfg.Tracking.AddTopByCap(c.Request.Context(), c.Param("user"), req.N,
		market.FetchSetting{Interval: iv, Depth: req.Depth, MaxUpdateRate: rate})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": report.Created, "skipped": report.Skipped})
}

func (s *Server) handleReorderConfigs(c *gin.Context) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Tracking.Reorder(c.Request.Context(), c.Param("user"), req.IDs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDeleteConfigs(c *gin.Context) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.cfg.Tracking.Delete(c.Request.Context(), c.Param("user"), req.IDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// handleViewCandles 同步刷新用户的全部配置，再返回每个配置的结果与最近 depth 根K线。
func (s *Server) handleViewCandles(c *gin.Context) {
	ctx := c.Request.Context()
	user := c.Param("user")
	configs, err := s.cfg.Tracking.List(ctx, user)
	if err != nil {
		writeError(c, err)
		return
	}
	report := s.cfg.Refresher.Refresh(ctx, configs)

	// 刷新后重新读取，拿到最新的 LastFetchAt / LastOutcome
	if fresh, err := s.cfg.Tracking.List(ctx, user); err == nil {
		configs = fresh
	}
	views := make([]configView, 0, len(configs))
	for _, cfg := range configs {
		view := configView{Config: cfg, Outcome: market.OutcomeUnknown, Candles: []market.Candle{}}
		if res, ok := report[cfg.ID]; ok {
			view.Outcome = res.Outcome
			if res.Err != nil {
				view.Error = res.Err.Error()
			}
		}
		candles, err := s.cfg.Candles.Range(ctx, cfg.SeriesKey(), time.Time{}, time.Time{})
		if err != nil {
			writeError(c, err)
			return
		}
		if depth := cfg.Setting.EffectiveDepth(); len(candles) > depth {
			candles = candles[len(candles)-depth:]
		}
		if len(candles) > 0 {
			view.Candles = candles
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"configs": views})
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dur, err := str2duration.ParseDuration(strings.TrimSpace(req.Duration))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration 非法: " + err.Error()})
		return
	}
	task, err := s.cfg.Tasks.Submit(c.Request.Context(), returns.Params{
		Duration:        dur,
		EntryFee:        req.EntryFee,
		ExitFee:         req.ExitFee,
		LoanFee:         req.LoanFee,
		RiskFreeRate:    req.RiskFreeRate,
		PriceMode:       returns.PriceMode(req.PriceMode),
		SortMetric:      returns.SortMetric(req.SortMetric),
		IncludeNegative: req.IncludeNegative,
		Limit:           req.Limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.cfg.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleFailures(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	list, err := s.cfg.Failures.RecentFailures(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": list})
}

func statusFor(err error) int {
	switch errkind.KindOf(err) {
	case errkind.InvalidArgument:
		return http.StatusBadRequest
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": errkind.KindOf(err)})
}
