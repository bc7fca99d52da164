// Package api exposes the agent over HTTP: trigger a run, inspect positions
// and run history, health checks.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"dhan-agent-bot/config"
	"dhan-agent-bot/internal/agent"
	"dhan-agent-bot/internal/positions"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// AgentAPI is what the server needs from the decision loop
type AgentAPI interface {
	Run(ctx context.Context, objective string) agent.RunResult
}

// RunLister reads persisted run history; nil when no database is configured
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]*agent.RunResult, error)
}

// HealthChecker reports backing-store health; nil when no database is configured
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	runner     AgentAPI
	ledger     *positions.Ledger
	runs       RunLister
	health     HealthChecker

	rateLimiter *RateLimiter

	log zerolog.Logger
}

// NewServer creates the API server. runs and health may be nil.
func NewServer(cfg config.ServerConfig, runner AgentAPI, ledger *positions.Ledger, runs RunLister, health HealthChecker, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
		runner:      runner,
		ledger:      ledger,
		runs:        runs,
		health:      health,
		rateLimiter: NewRateLimiter(30, time.Minute),
		log:         log.With().Str("component", "APIServer").Logger(),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.POST("/agent/run", s.rateLimitMiddleware(), s.handleAgentRun)
		api.GET("/agent/runs", s.handleListRuns)
		api.GET("/positions", s.handleListPositions)
	}
}

// rateLimitMiddleware bounds run triggers so a misbehaving caller cannot
// hammer the planner and broker
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"path":  path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

type runRequest struct {
	Objective string `json:"objective" binding:"required"`
}

// handleAgentRun executes one decision loop synchronously and returns the
// full run record
func (s *Server) handleAgentRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "objective is required"})
		return
	}

	s.log.Info().Str("objective", req.Objective).Msg("run requested")
	result := s.runner.Run(c.Request.Context(), req.Objective)

	status := http.StatusOK
	if !result.OK {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []any{}, "note": "run history persistence is disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleListPositions(c *gin.Context) {
	open, err := s.ledger.ListOpen(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list positions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list positions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": open, "count": len(open)})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.health != nil {
		dbStatus = "healthy"
		if err := s.health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "unhealthy"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"database":  dbStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Start runs the HTTP server; it blocks until the server stops. The server is
// built in NewServer so Shutdown from another goroutine never races Start.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
