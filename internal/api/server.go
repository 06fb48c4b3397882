package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"execution-core/internal/order"
	"execution-core/internal/recovery"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// Config tunes the status API.
type Config struct {
	Port      int
	JWTSecret string
	RateLimit rate.Limit // requests per second per client IP
	RateBurst int
}

// Server exposes read-only snapshots of the execution core. Consumers never
// mutate engine state through it.
type Server struct {
	cfg     Config
	log     *logrus.Entry
	tracker *order.Tracker
	risk    *risk.Manager
	rec     *recovery.Manager
	store   *db.Database

	router *gin.Engine
	srv    *http.Server
}

// New assembles the router. rec may be nil; /health then reports a static
// healthy response. store may be nil; order history then comes from the
// in-memory tracker instead of the durable ledger.
func New(cfg Config, tracker *order.Tracker, riskMgr *risk.Manager, rec *recovery.Manager, store *db.Database, log *logrus.Entry) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), RateLimit(newIPLimiters(cfg.RateLimit, cfg.RateBurst)))

	s := &Server{
		cfg:     cfg,
		log:     log,
		tracker: tracker,
		risk:    riskMgr,
		rec:     rec,
		store:   store,
		router:  router,
	}

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1", BearerAuth(cfg.JWTSecret))
	v1.GET("/orders", s.handleOpenOrders)
	v1.GET("/orders/history", s.handleOrderHistory)
	v1.GET("/positions", s.handlePositions)
	v1.GET("/risk", s.handleRiskMetrics)
	v1.GET("/stats", s.handleStats)

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("API shutdown was not graceful")
		}
		return <-errCh
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.rec == nil {
		c.JSON(http.StatusOK, gin.H{"state": "HEALTHY", "is_healthy": true})
		return
	}
	h := s.rec.HealthCheck()
	status := http.StatusOK
	if !h.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) handleOpenOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	c.JSON(http.StatusOK, gin.H{"orders": s.tracker.OpenOrders(symbol)})
}

func (s *Server) handleOrderHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	if s.store != nil {
		rows, err := s.store.ListOrderHistory(c.Request.Context(), limit)
		if err != nil {
			s.log.WithError(err).Error("Order history query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": rows})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": s.tracker.History(limit)})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.risk.Positions()})
}

func (s *Server) handleRiskMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.risk.Metrics())
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.GetStats())
}
