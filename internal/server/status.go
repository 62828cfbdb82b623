// Package server exposes a process's connections, registry and metrics over
// HTTP for operators.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/hostlink/internal/observability"
	"github.com/danmuck/hostlink/internal/registry"
	"github.com/danmuck/hostlink/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Status serves health, metrics, connection and method views for one
// Runtime. The registry is optional.
type Status struct {
	ID       string
	Addr     string
	Appeared time.Time

	runtime  *session.Runtime
	registry *registry.Registry
	router   *gin.Engine
	// CallTimeout bounds POST /methods/:method/call.
	CallTimeout time.Duration
}

func New(id, addr string, rt *session.Runtime, reg *registry.Registry) *Status {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.StatusMiddleware(id, observability.ComponentLogger("status", id)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Status{
		ID:          id,
		Addr:        addr,
		Appeared:    time.Now(),
		runtime:     rt,
		registry:    reg,
		router:      r,
		CallTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Status) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (s *Status) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info().Str("node", s.ID).Str("addr", s.Addr).Msg("status server listening")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Status) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		live := len(s.runtime.Managers())
		status := http.StatusOK
		if live == 0 {
			status = http.StatusServiceUnavailable
		}
		_, host := s.runtime.Host()
		c.JSON(status, gin.H{
			"ready":       live > 0,
			"connections": live,
			"host":        host,
			"service":     s.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.runtime.Snapshots()})
	})

	s.router.GET("/connections/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, m := range s.runtime.Managers() {
			if m.ID() != id {
				continue
			}
			c.JSON(http.StatusOK, gin.H{
				"connection": m.Snapshot(),
				"pending":    m.Pending(),
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
	})

	if s.registry == nil {
		return
	}

	s.router.GET("/methods", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"methods":     s.registry.Methods(),
			"connections": s.registry.Connections(),
			"stats":       s.registry.Stats(),
		})
	})

	s.router.POST("/methods/:method/call", func(c *gin.Context) {
		var req struct {
			Connection string `json:"connection"`
			Args       []any  `json:"args"`
		}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Connection == "" {
			req.Connection = registry.DefaultConnection
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), s.CallTimeout)
		defer cancel()
		type reply struct {
			payload []byte
			err     error
		}
		out := make(chan reply, 1)
		method := c.Param("method")
		s.registry.CallOn(ctx, req.Connection, method, req.Args, func(p []byte, err error) {
			out <- reply{payload: p, err: err}
		})

		var rep reply
		select {
		case rep = <-out:
		case <-ctx.Done():
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": ctx.Err().Error()})
			return
		}
		if rep.err != nil {
			c.JSON(callStatus(rep.err), gin.H{"error": rep.err.Error()})
			return
		}
		res, err := registry.DecodeResult(rep.payload)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "method": method, "reply": res})
	})
}

func callStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrMethodNotFound), errors.Is(err, registry.ErrConnectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrPeerGone), errors.Is(err, session.ErrInterrupted):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrReplyTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
