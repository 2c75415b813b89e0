package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/metrics"
	"spot-trading-core/internal/params"
)

// handleHealth reports "degraded" while any position is unprotected or the
// state file was found corrupt at startup.
func (s *Server) handleHealth(c *gin.Context) {
	ps := s.deps.Params.Current()
	stops := s.deps.Stops.Active()
	unprotected := make([]string, 0)
	for _, rec := range stops {
		if rec.Unprotected {
			unprotected = append(unprotected, rec.Symbol)
		}
	}

	status := "ok"
	body := gin.H{
		"parameter_version": ps.Version,
		"active_stops":      len(stops),
		"unprotected":       unprotected,
		"uptime":            time.Since(s.started).Round(time.Second).String(),
	}
	if len(unprotected) > 0 {
		status = "degraded"
	}
	if s.deps.Store != nil {
		if corrupt := s.deps.Store.Corruption(); corrupt != nil {
			status = "degraded"
			body["state_corruption"] = corrupt.Error()
		}
	}
	if s.deps.Breaker != nil {
		body["circuit_breaker"] = s.deps.Breaker.Stats()
	}
	if s.deps.Feed != nil {
		body["feed"] = s.deps.Feed.Stats()
	}
	body["status"] = status
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleGetParams(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Params.Current())
}

// handlePutParams publishes a new parameter set. The body is a full set;
// ID, version and source are assigned on publish.
func (s *Server) handlePutParams(c *gin.Context) {
	var ps params.ParameterSet
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ps); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
		return
	}

	published, err := s.deps.Params.Publish(c.Request.Context(), ps, "operator")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameters", "message": err.Error()})
		return
	}
	metrics.ParameterVersion.Set(float64(published.Version))
	s.deps.Bus.PublishParameters(published.ID, published.Version, published.Source)
	s.logger.Info("Parameters published by operator",
		"subject", c.GetString(contextKeySubject),
		"version", published.Version)
	c.JSON(http.StatusOK, published)
}

func (s *Server) handleGetStops(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stops": s.deps.Stops.Active()})
}

func (s *Server) handleGetPositions(c *gin.Context) {
	doc := s.deps.Store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"positions":         doc.Trading.Positions,
		"parameter_version": doc.Trading.ParameterVersion,
		"performance":       doc.Performance,
		"risk":              doc.Risk,
	})
}

// handleGetTrades returns ledger outcomes, optionally since an RFC 3339
// timestamp, with a summary.
func (s *Server) handleGetTrades(c *gin.Context) {
	if s.deps.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable"})
		return
	}
	var (
		outcomes []ledger.TradeOutcome
		err      error
	)
	if since := c.Query("since"); since != "" {
		t, perr := time.Parse(time.RFC3339, since)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since", "message": perr.Error()})
			return
		}
		outcomes, err = s.deps.Ledger.Since(c.Request.Context(), t)
	} else {
		outcomes, err = s.deps.Ledger.All(c.Request.Context())
	}
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_read_failed", "message": err.Error()})
		return
	}
	if outcomes == nil {
		outcomes = []ledger.TradeOutcome{}
	}
	c.JSON(http.StatusOK, gin.H{
		"trades":  outcomes,
		"summary": ledger.Summarize(outcomes),
	})
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	if s.deps.Breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "breaker_disabled"})
		return
	}
	s.deps.Breaker.Reset()
	s.logger.Info("Circuit breaker reset by operator", "subject", c.GetString(contextKeySubject))
	c.JSON(http.StatusOK, s.deps.Breaker.Stats())
}
