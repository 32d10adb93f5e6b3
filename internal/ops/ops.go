// Package ops exposes the local operations endpoint: liveness, a session
// status snapshot, and Prometheus metrics. It is a sidecar surface for the
// operator, never part of the game protocol.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"empirectl/internal/observability"
)

// Status is one point-in-time session summary.
type Status struct {
	Connected       bool      `json:"connected"`
	State           string    `json:"state"`
	Account         string    `json:"account"`
	LastTraffic     time.Time `json:"last_traffic"`
	Reconnects      uint64    `json:"reconnects"`
	ActiveMovements int       `json:"active_movements"`
	DroppedFrames   uint64    `json:"dropped_frames"`
}

// StatusFunc supplies the current snapshot for /status.
type StatusFunc func() Status

// Server is the ops HTTP listener.
type Server struct {
	addr   string
	status StatusFunc
	http   *http.Server
}

func NewServer(addr string, status StatusFunc) *Server {
	if status == nil {
		status = func() Status { return Status{} }
	}
	return &Server{addr: addr, status: status}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Start begins serving and returns immediately. A closed listener is the
// normal shutdown path, not an error.
func (s *Server) Start() error {
	observability.RegisterMetrics()
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.addr).Msg("ops server stopped")
		}
	}()
	log.Info().Str("addr", s.addr).Msg("ops server listening")
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
