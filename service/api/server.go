// Package api is the HTTP surface: event intake, sweep trigger, admin
// commands, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"joingate/middleware"
	"joingate/middleware/security"
	"joingate/module/moderation"
	"joingate/service/intake"
	jwtsec "joingate/tools/security"
)

// Dispatcher accepts decoded events.
type Dispatcher interface {
	Dispatch(ctx context.Context, source string, env *intake.Envelope) (intake.Result, error)
}

// Sweeper runs one sweep pass.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Commands runs admin commands.
type Commands interface {
	Handle(ctx context.Context, req moderation.Request) (string, bool, error)
}

// HealthCheck reports a dependency problem as an error.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Dispatcher  Dispatcher
	Sweeper     Sweeper
	Commands    Commands
	Gatherer    prometheus.Gatherer
	JWT         jwtsec.Options
	SweepToken  string
	EventsToken string
	Health      map[string]HealthCheck
	Log         *zap.Logger
	Now         func() time.Time
}

type Server struct {
	deps   Deps
	engine *gin.Engine
}

func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery(deps.Log), middleware.RequestID(), middleware.AccessLog(deps.Log))

	s := &Server{deps: deps, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	middleware.GET(r, "/healthz", s.healthz, middleware.RouteOpt{})
	middleware.GET(r, "/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})), middleware.RouteOpt{})

	api := r.Group("/api")
	var eventsAuth gin.HandlerFunc
	if s.deps.EventsToken != "" {
		eventsAuth = security.StaticToken(s.deps.EventsToken)
	}
	middleware.POST(api, "/events", s.postEvent, middleware.RouteOpt{Auth: eventsAuth})
	middleware.POST(api, "/sweep", s.postSweep, middleware.RouteOpt{Auth: security.StaticToken(s.deps.SweepToken)})
	middleware.POST(api, "/admin/command", s.postCommand, middleware.RouteOpt{Auth: security.JWT(s.deps.JWT)})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
