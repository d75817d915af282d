package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecoalerta/monitor-ambiental/services/api/cache"
	"github.com/ecoalerta/monitor-ambiental/services/api/config"
	"github.com/ecoalerta/monitor-ambiental/services/api/db"
	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/models"
	"github.com/ecoalerta/monitor-ambiental/services/api/realtime"
)

// SyncService runs Open-Meteo syncs.
type SyncService interface {
	SyncAll(ctx context.Context, trigger string) (ingest.Summary, error)
	SyncZoneByID(ctx context.Context, id int64) (ingest.ZoneResult, error)
}

// Store is the read side of the database used by the diagnostic endpoints.
type Store interface {
	GetZone(ctx context.Context, id int64) (*models.Zone, error)
	ZoneStatuses(ctx context.Context) ([]models.ZoneStatus, error)
	LatestMeasurements(ctx context.Context, zoneID *int64) ([]models.ZoneSnapshot, error)
	FetchMeasurements(ctx context.Context, q db.MeasurementQuery) ([]models.Measurement, error)
	CheckReadiness(ctx context.Context) error
}

// SnapshotCache serves realtime snapshots, loading them on a miss.
type SnapshotCache interface {
	GetOrLoad(ctx context.Context, zoneID *int64, load cache.Loader) ([]models.ZoneSnapshot, error)
}

// Hub is the WebSocket connection registry.
type Hub interface {
	Add(conn realtime.Conn) (string, error)
	Remove(id string) bool
	Broadcast(msg []byte) int
	Count() int
}

// Deps are the collaborators of a Server. Cache may be nil.
type Deps struct {
	Sync   SyncService
	Store  Store
	Cache  SnapshotCache
	Hub    Hub
	Logger *slog.Logger
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg      config.Config
	sync     SyncService
	store    Store
	cache    SnapshotCache
	hub      Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg config.Config, d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var snapshots SnapshotCache = (*cache.Realtime)(nil)
	if d.Cache != nil {
		snapshots = d.Cache
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	engine.Use(corsMiddleware())

	server := &Server{
		cfg:    cfg,
		sync:   d.Sync,
		store:  d.Store,
		cache:  snapshots,
		hub:    d.Hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		engine: engine,
	}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/readyz", s.handleReady)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api/open-meteo")
	{
		api.GET("/sync", s.handleSyncSnapshot)
		api.GET("/status", s.handleStatus)
		api.GET("/realtime", s.handleRealtime)
		api.GET("/realtime/:zona_id", s.handleRealtime)
		api.GET("/mediciones/:zona_id", s.handleMeasurements)
	}

	write := s.engine.Group("/")
	if s.cfg.BearerToken != "" {
		write.Use(bearerAuthMiddleware(s.cfg.BearerToken))
	}
	{
		write.POST("/api/open-meteo/sync", s.handleSyncAll)
		write.POST("/api/open-meteo/sync/:zona_id", s.handleSyncZone)
		write.POST("/mensaje", s.handleMessage)
	}
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.CheckReadiness(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
		)
	}
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
