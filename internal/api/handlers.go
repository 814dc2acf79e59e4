package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ydxt25/QuantSystem-sub000/internal/engine"
	"github.com/ydxt25/QuantSystem-sub000/internal/result"
	"github.com/ydxt25/QuantSystem-sub000/internal/store"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	RunID          string    `json:"run_id"`
	Algorithm      string    `json:"algorithm"`
	Status         string    `json:"status"`
	Requested      string    `json:"requested,omitempty"`
	Time           time.Time `json:"time"`
	PortfolioValue float64   `json:"portfolio_value"`
	Cash           float64   `json:"cash"`
	Orders         int       `json:"orders"`
	Clients        int       `json:"clients"`
	Error          string    `json:"error,omitempty"`
}

// ControlResponse is the body of the stop and delete endpoints.
type ControlResponse struct {
	RunID     string `json:"run_id"`
	Requested string `json:"requested"`
}

func (s *Server) routes() {
	v1 := s.router.Group("/api/v1")
	v1.GET("/status", s.withSession(s.handleStatus))
	v1.GET("/samples/:series", s.withSession(s.handleSamples))
	v1.GET("/orders", s.withSession(s.handleOrders))
	v1.POST("/stop", s.withSession(s.handleControl(engine.StatusStopped)))
	v1.POST("/delete", s.withSession(s.handleControl(engine.StatusDeleted)))
	s.router.GET("/ws", s.hub.serveWS)
}

func (s *Server) withSession(h func(*gin.Context, *strategy.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := s.current()
		if sess == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no run attached"})
			return
		}
		h(c, sess)
	}
}

func (s *Server) handleStatus(c *gin.Context, sess *strategy.Session) {
	status := string(sess.Context.Status())
	if status == "" {
		status = "starting"
	}
	resp := StatusResponse{
		RunID:          sess.Context.AlgorithmID,
		Algorithm:      sess.Results.Run().Algorithm,
		Status:         status,
		Requested:      string(sess.Context.Requested()),
		Time:           sess.Context.Time(),
		PortfolioValue: sess.Broker.TotalPortfolioValue(),
		Cash:           sess.Broker.Cash(),
		Orders:         len(sess.Broker.Orders()),
		Clients:        s.hub.Clients(),
	}
	if err := sess.Results.Err(); err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSamples(c *gin.Context, sess *strategy.Session) {
	series := c.Param("series")
	switch series {
	case result.SeriesEquity, result.SeriesPerformance, result.SeriesAssetPrice:
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown series " + series})
		return
	}
	samples := sess.Results.Samples(series)
	if sym := c.Query("symbol"); sym != "" {
		filtered := samples[:0]
		for _, smp := range samples {
			if smp.Symbol == sym {
				filtered = append(filtered, smp)
			}
		}
		samples = filtered
	}
	if samples == nil {
		samples = []store.Sample{}
	}
	c.JSON(http.StatusOK, samples)
}

func (s *Server) handleOrders(c *gin.Context, sess *strategy.Session) {
	c.JSON(http.StatusOK, sess.Broker.Orders())
}

func (s *Server) handleControl(want engine.Status) func(*gin.Context, *strategy.Session) {
	return func(c *gin.Context, sess *strategy.Session) {
		rc := sess.Context
		if rc.Status().Terminal() {
			c.JSON(http.StatusConflict, gin.H{"error": "run already " + string(rc.Status())})
			return
		}
		if prev := rc.Requested(); prev != "" {
			c.JSON(http.StatusConflict, gin.H{"error": "already requested " + string(prev)})
			return
		}
		if want == engine.StatusDeleted {
			rc.Delete()
		} else {
			rc.Stop()
		}
		s.log.Info("external request", "run", rc.AlgorithmID, "requested", want, "remote", c.ClientIP())
		c.JSON(http.StatusAccepted, ControlResponse{RunID: rc.AlgorithmID, Requested: string(rc.Requested())})
	}
}
