package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/indicators"
	"spot-trading-core/internal/optimizer"
	"spot-trading-core/internal/params"
)

// Tuner runs one optimization pass on demand. optimizer.Service satisfies it.
type Tuner interface {
	RunOnce(ctx context.Context) (*optimizer.Report, error)
}

// handleRunBacktest replays the history through the current parameters,
// optionally overridden by the request.
// POST /api/backtest
// Body: {"values": {"rsi_oversold": 25}, "include_equity": false}
func (s *Server) handleRunBacktest(c *gin.Context) {
	if s.deps.Optimizer == nil || s.deps.Candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backtest_unavailable", "message": "no candle history configured"})
		return
	}

	var req struct {
		Values        params.Values `json:"values"`
		IncludeEquity bool          `json:"include_equity"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
			return
		}
	}

	current := s.deps.Params.Current()
	ps, err := current.WithValues(req.Values)
	if err == nil {
		err = ps.Validate()
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameters", "message": err.Error()})
		return
	}

	candles, err := s.deps.Candles.Candles(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "candles_unavailable", "message": err.Error()})
		return
	}
	ds, err := backtest.NewDataset(candles, indicators.NewProvider())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_candles", "message": err.Error()})
		return
	}

	result, err := s.deps.Optimizer.Backtest(ds, ps.Values())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "backtest_failed", "message": err.Error()})
		return
	}
	if !req.IncludeEquity {
		result.EquityCurve = nil
	}
	c.JSON(http.StatusOK, gin.H{
		"parameter_version": current.Version,
		"values":            ps.Values(),
		"result":            result,
	})
}

// handleRunOptimizer starts one tuning pass and waits for its report.
// POST /api/optimizer/run
func (s *Server) handleRunOptimizer(c *gin.Context) {
	if s.deps.Tuner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "optimizer_disabled"})
		return
	}
	report, err := s.deps.Tuner.RunOnce(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "optimizer_failed", "message": err.Error()})
		return
	}
	s.logger.Info("Optimizer run requested by operator",
		"subject", c.GetString(contextKeySubject),
		"skipped", report.Skipped,
		"published", report.Published != nil)
	c.JSON(http.StatusOK, report)
}
