// Package ops serves a local read-only HTTP view of the synchronized
// state for dashboards and debugging.
package ops

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"trading-sync-client/config"
	"trading-sync-client/internal/state"
	"trading-sync-client/internal/stream"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server represents the ops HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      *state.Store
	consumer   *stream.Consumer
	config     config.OpsConfig
}

// NewServer creates the ops server and registers its routes
func NewServer(cfg config.OpsConfig, store *state.Store, consumer *stream.Consumer) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		store:    store,
		consumer: consumer,
		config:   cfg,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/state", s.handleState)
		v1.GET("/trades", s.handleTrades)
		v1.GET("/signals", s.handleSignals)
		v1.GET("/stream/stats", s.handleStreamStats)
	}
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[OPS] Serving on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[OPS] Server error: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"mode":           snap.Mode.String(),
		"is_active":      snap.IsActive,
		"update_counter": snap.UpdateCounter,
	})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleTrades(c *gin.Context) {
	snap := s.store.Snapshot()
	switch c.Query("status") {
	case "open":
		c.JSON(http.StatusOK, snap.OpenTrades)
	case "closed":
		c.JSON(http.StatusOK, snap.ClosedTrades)
	default:
		c.JSON(http.StatusOK, gin.H{
			"open":   snap.OpenTrades,
			"closed": snap.ClosedTrades,
		})
	}
}

func (s *Server) handleSignals(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Snapshot().RecentSignals)
}

func (s *Server) handleStreamStats(c *gin.Context) {
	if s.consumer == nil {
		c.JSON(http.StatusOK, gin.H{"status": "disabled"})
		return
	}
	c.JSON(http.StatusOK, s.consumer.Stats())
}
