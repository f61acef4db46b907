// Package wsserver is the gin HTTP surface: the /ws upgrade route plus the
// health and admin endpoints an operator polls. Ambient operational
// tooling, not part of the wire protocol proper, mirroring the teacher's
// own middleware stack in cmd/main.go.
package wsserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/federation"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/middleware"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
)

// Server wraps the gin engine and the dependencies its handlers read.
type Server struct {
	cfg         *config.Config
	hub         *session.Hub
	fed         *federation.Registry
	engine      *gin.Engine
	connLimiter *middleware.RateLimiter
}

func New(cfg *config.Config, hub *session.Hub, fed *federation.Registry) *Server {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	s := &Server{
		cfg:         cfg,
		hub:         hub,
		fed:         fed,
		engine:      engine,
		connLimiter: middleware.NewRateLimiter(cfg.WSConnectRatePerSecond, cfg.WSConnectBurst),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(middleware.RequestID())
	s.engine.Use(gin.Recovery())

	loggerConfig := middleware.DefaultStructuredLoggerConfig()
	s.engine.Use(middleware.StructuredLoggerWithConfigFunc(loggerConfig))

	s.engine.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))

	s.engine.Use(middleware.SecurityHeaders())
	s.engine.Use(middleware.RequestSizeLimiter(1 * 1024 * 1024))
}

func (s *Server) setupRoutes() {
	// The connect-rate limiter guards only the upgrade route: it bounds how
	// fast a single IP can open new sessions, distinct from the hub's
	// connsByHost cap on how many it can hold open concurrently.
	s.engine.GET("/ws", s.connLimiter.Middleware(), s.handleWS)
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/admin/ring", s.handleRingStatus)
}

func (s *Server) handleWS(c *gin.Context) {
	if err := s.hub.ServeWS(c.Writer, c.Request); err != nil {
		// ServeWS and the gorilla upgrader already write their own HTTP
		// response on most failures (429 over the cap, 400 on a bad
		// upgrade); only fall back to a generic response if neither did.
		if !c.Writer.Written() {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"serverId":  s.cfg.ServerID,
		"sessions":  s.hub.Count(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRingStatus reports, for the key given as ?key=, the responsible
// nodes and whether this server is among them, for an operator diagnosing
// an unbalanced or partitioned ring. Without a key it reports only this
// server's ID and replication factor.
func (s *Server) handleRingStatus(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusOK, gin.H{
			"serverId":          s.cfg.ServerID,
			"replicationFactor": s.cfg.ReplicationFactor,
		})
		return
	}

	responsible := s.fed.GetResponsibleNodes(key, s.cfg.ReplicationFactor)
	c.JSON(http.StatusOK, gin.H{
		"key":         key,
		"responsible": responsible,
		"local":       s.fed.ShouldHandleLocally(key),
	})
}

// Handler returns the configured gin engine so main can wrap it in an
// http.Server with its own timeouts and graceful shutdown.
func (s *Server) Handler() http.Handler {
	return s.engine
}
