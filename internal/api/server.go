// Package api serves a historical sensor store and signal store over HTTP
// using the epidata envelope, so a local store can act as the remote one.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/lox/sensorcast/internal/models"
)

// SensorStore is the historical sensor store the server exposes.
type SensorStore interface {
	Fetch(ctx context.Context, cfg models.SignalConfig, geoType models.GeoType, geoValues []string, start, end models.Date) ([]models.SensorValue, error)
	Upload(ctx context.Context, cfg models.SignalConfig, records []models.SensorValue) (models.UploadResult, error)
}

// SignalStore holds raw signal series.
type SignalStore interface {
	SignalRange(ctx context.Context, source, signal string, geoType models.GeoType, geoValue string, start, end models.Date) (models.LocationSeries, error)
	UpsertSignal(ctx context.Context, source, signal string, series models.LocationSeries) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr         string
	BearerToken  string
	QueryTimeout time.Duration
}

type Server struct {
	cfg     Config
	sensors SensorStore
	signals SignalStore
	engine  *gin.Engine
}

func NewServer(cfg Config, sensors SensorStore, signals SignalStore) *Server {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	s := &Server{cfg: cfg, sensors: sensors, signals: signals, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Printf("api: listening on %s", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	if s.cfg.BearerToken != "" {
		v1.Use(bearerAuthMiddleware(s.cfg.BearerToken))
	}
	v1.GET("/sensors", s.handleFetchSensors)
	v1.POST("/sensors", s.handleUploadSensors)
	if s.signals != nil {
		v1.GET("/signals", s.handleSignalRange)
		v1.POST("/signals", s.handleUpsertSignal)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if p, ok := s.sensors.(pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("api: request")
	}
}
