// Package api exposes the local operations surface: status, positions, guard
// event queries, halt control and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kocbey434343-ux/AI-sub001/internal/guards"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/risk"
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
	"github.com/kocbey434343-ux/AI-sub001/internal/trader"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

// DefaultServerConfig binds to localhost only; this is an ops surface, not a
// public API.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Host: "127.0.0.1", Port: 8090, ProductionMode: true}
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig

	trader    *trader.Trader
	riskCtrl  *risk.Controller
	halt      *guards.HaltFlag
	st        *store.Store
	sessionID string
	startedAt time.Time
	log       *logging.EventLogger
}

// NewServer builds the router and registers all routes.
func NewServer(config ServerConfig, tr *trader.Trader, riskCtrl *risk.Controller, halt *guards.HaltFlag, st *store.Store, reg *prometheus.Registry, sessionID string, log *logging.EventLogger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8090"}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		config:    config,
		trader:    tr,
		riskCtrl:  riskCtrl,
		halt:      halt,
		st:        st,
		sessionID: sessionID,
		startedAt: time.Now(),
		log:       log.WithComponent("api"),
	}
	s.registerRoutes(reg)
	return s
}

func (s *Server) registerRoutes(reg *prometheus.Registry) {
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/guard-events", s.handleGuardEvents)
		api.POST("/halt", s.handleSetHalt)
		api.DELETE("/halt", s.handleClearHalt)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	positions := s.trader.OpenPositions()
	c.JSON(http.StatusOK, gin.H{
		"session_id":     s.sessionID,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"risk_level":     s.riskCtrl.Level().String(),
		"risk_percent":   s.riskCtrl.RiskPercent(),
		"open_positions": len(positions),
		"halted":         s.halt.Exists(),
		"halt_reason":    s.halt.Reason(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.trader.OpenPositions()
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"symbol":      p.Symbol,
			"side":        p.Side,
			"entry_price": p.EntryPrice,
			"size":        p.Size,
			"remaining":   p.Remaining,
			"stop_loss":   p.StopLoss,
			"take_profit": p.TakeProfit,
			"trade_id":    p.TradeID,
			"opened_at":   p.OpenedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) handleGuardEvents(c *gin.Context) {
	filter := store.GuardEventFilter{
		Guard:  c.Query("guard"),
		Symbol: c.Query("symbol"),
		Limit:  100,
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := c.Query("since_hours"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			filter.Since = time.Now().Add(-time.Duration(h) * time.Hour)
		}
	}

	events, err := s.st.QueryGuardEvents(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleSetHalt(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Reason == "" {
		body.Reason = "manual halt via api"
	}
	if err := s.halt.Set(body.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Event("halt_set_via_api", "reason", body.Reason)
	c.JSON(http.StatusOK, gin.H{"halted": true, "reason": body.Reason})
}

func (s *Server) handleClearHalt(c *gin.Context) {
	if err := s.halt.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Event("halt_cleared_via_api")
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Event("api_listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
