// Package server exposes the engine over HTTP: a synchronous query API, an
// SSE stream of live trace events, a registry listing, a WebSocket voice
// channel, health and metrics endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/polymind/polymind/internal/profile"
	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/metrics"
	"github.com/polymind/polymind/moe/orchestrator"
	"github.com/polymind/polymind/moe/selector"
)

// Server hosts the HTTP surface over one orchestrator.
type Server struct {
	e       *echo.Echo
	profile *profile.Profile
	cfg     moe.Config

	orch      *orchestrator.Orchestrator
	collector *metrics.Collector
	chitchat  *selector.ChitchatClassifier

	voiceSessions sync.WaitGroup
}

// NewServer wires routes and middleware. collector and chitchat may be nil;
// the related endpoints degrade accordingly.
func NewServer(p *profile.Profile, cfg moe.Config, orch *orchestrator.Orchestrator, collector *metrics.Collector, chitchat *selector.ChitchatClassifier) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:         e,
		profile:   p,
		cfg:       cfg,
		orch:      orch,
		collector: collector,
		chitchat:  chitchat,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger())

	e.GET("/healthz", s.handleHealthz)
	if collector != nil {
		e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	}

	v1 := e.Group("/api/v1")
	v1.POST("/queries", s.handleQuery)
	v1.POST("/queries/stream", s.handleQueryStream)
	v1.GET("/experts", s.handleExperts)
	v1.GET("/voice", s.handleVoice)

	return s
}

// Start blocks serving HTTP until Shutdown or a listen error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("server: listening", "addr", addr, "mode", s.profile.Mode)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains HTTP and waits for open voice sessions.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server: shutdown failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.voiceSessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("server: voice sessions still open at shutdown deadline")
	}
	slog.Info("server: stopped")
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("server: request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds())
			return nil
		},
	})
}
