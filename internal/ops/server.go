package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/common/config"
	"github.com/threadbridge/threadbridge/internal/common/logger"
)

// SessionSummary is the read-only session snapshot served over HTTP. The
// session manager publishes one per live session.
type SessionSummary struct {
	ID             string    `json:"id"`
	PlatformID     string    `json:"platformId"`
	ThreadID       string    `json:"threadId"`
	SessionNumber  int       `json:"sessionNumber"`
	StartedBy      string    `json:"startedBy"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	WorkingDir     string    `json:"workingDir"`
	Branch         string    `json:"branch,omitempty"`
	State          string    `json:"state"`
	Model          string    `json:"model,omitempty"`
	ContextTokens  int64     `json:"contextTokens,omitempty"`
	ContextWindow  int64     `json:"contextWindow,omitempty"`
	CostUSD        float64   `json:"costUsd,omitempty"`
	MessageCount   int       `json:"messageCount"`
}

// Lister supplies current session summaries.
type Lister interface {
	Summaries() []SessionSummary
}

// Server is the operational HTTP endpoint: health, metrics, sessions.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer assembles the router. Pass debug=true to keep gin's request log.
func NewServer(cfg config.ServerConfig, metrics *Metrics, lister Lister, version string, log *logger.Logger, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	started := time.Now()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "threadbridge",
			"version":  version,
			"uptime":   time.Since(started).Round(time.Second).String(),
			"sessions": len(lister.Summaries()),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/sessions", func(c *gin.Context) {
		summaries := lister.Summaries()
		c.JSON(http.StatusOK, gin.H{
			"sessions": summaries,
			"count":    len(summaries),
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
		logger: log.WithFields(zap.String("component", "ops-server")),
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Ops server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
