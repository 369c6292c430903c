package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/taskd/internal/auth"
	"github.com/danmuck/taskd/internal/observability"
)

const version = "0.1.0"

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// AdminRouter exposes health, counters and prometheus metrics over HTTP.
// When AdminToken is set, /stats and /metrics require it as a bearer token.
func (s *Server) AdminRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(log.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.startedAt).String(),
			"service": "taskd",
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.ready.Load(),
			"uptime":  time.Since(s.startedAt).String(),
			"version": version,
		})
	})

	private := r.Group("/")
	if s.cfg.AdminToken != "" {
		private.Use(auth.RequireToken(auth.StaticToken{Token: s.cfg.AdminToken}))
	}

	private.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"metrics":        s.metrics.Snapshot(),
			"queue_depth":    s.queue.Len(),
			"queue_capacity": s.queue.Cap(),
			"workers":        s.cfg.Workers,
		})
	})

	private.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// startAdmin binds addr before returning so a bad admin address fails Serve.
func (s *Server) startAdmin(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("admin server failed")
		}
	}()
	return srv, nil
}
