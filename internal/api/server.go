package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"smartbus-ledger/internal/db"
	"smartbus-ledger/internal/ledger"
	mmetrics "smartbus-ledger/internal/metrics"
	"smartbus-ledger/internal/telemetry"
)

const DeviceTokenHeader = "x-device-token"

// Server exposes the device endpoints. The device token is fixed at
// construction.
type Server struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	telemetry *telemetry.Ingestor
	metrics   *mmetrics.Collector
	token     string
	timeout   time.Duration
	engine    *gin.Engine
}

func NewServer(g *gorm.DB, l *ledger.Ledger, in *telemetry.Ingestor, metrics *mmetrics.Collector, token string, timeout time.Duration) *Server {
	s := &Server{
		db:        g,
		ledger:    l,
		telemetry: in,
		metrics:   metrics,
		token:     token,
		timeout:   timeout,
	}
	useJSONFieldNames()

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), s.observe())
	r.GET("/health", s.health)

	device := r.Group("/device", DeviceAuth(token), s.deadline())
	device.POST("/telemetry", s.postTelemetry)
	device.POST("/rfid", s.postRFID)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Serve starts the HTTP server on addr in the background.
func (s *Server) Serve(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()
	log.Printf("device api listening on %s", addr)
	return srv
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := db.Healthy(ctx, s.db); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// deadline bounds each device request; store calls fail fast once it passes.
func (s *Server) deadline() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.metrics == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}
