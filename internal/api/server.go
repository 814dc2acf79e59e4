// Package api serves the status and control surface of a running backtest:
// a gin HTTP API, a websocket feed of result packets and a gRPC health
// service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ydxt25/QuantSystem-sub000/internal/config"
	"github.com/ydxt25/QuantSystem-sub000/internal/engine"
	"github.com/ydxt25/QuantSystem-sub000/internal/strategy"
)

// HealthService is the gRPC health service name of the run.
const HealthService = "backtest"

const shutdownTimeout = 5 * time.Second

// Server hosts the HTTP API, the websocket hub and the gRPC health service
// for one backtest session.
type Server struct {
	cfg    config.Server
	router *gin.Engine
	hub    *Hub
	health *health.Server
	log    *slog.Logger

	mu      sync.RWMutex
	session *strategy.Session
}

// NewServer creates a Server listening on the addresses in cfg. No session
// is attached yet; the run endpoints answer 503 until Attach is called.
func NewServer(cfg config.Server) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		router: gin.New(),
		hub:    NewHub(),
		health: health.NewServer(),
		log:    slog.Default().With("component", "api"),
	}
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub. It is the run's result publisher.
func (s *Server) Hub() *Hub { return s.hub }

// Health returns the gRPC health service.
func (s *Server) Health() *health.Server { return s.health }

// Attach exposes sess through the API and reports the run as serving.
func (s *Server) Attach(sess strategy.Session) {
	s.mu.Lock()
	s.session = &sess
	s.mu.Unlock()
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
}

// Finish reports the run as no longer serving. The session stays readable.
func (s *Server) Finish(status engine.Status) {
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	s.log.Info("run finished", "status", status)
}

func (s *Server) current() *strategy.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// ListenAndServe runs the hub, the HTTP listener and, when a gRPC port is
// configured, the gRPC listener. It blocks until ctx is cancelled or a
// listener fails, then shuts everything down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var (
		gs  *grpc.Server
		lis net.Listener
	)
	if s.cfg.GRPCPort > 0 {
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.GRPCPort))
		var err error
		if lis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		gs = grpc.NewServer()
		healthpb.RegisterHealthServer(gs, s.health)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTP API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if gs != nil {
		g.Go(func() error {
			s.log.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown", "error", err)
		}
		if gs != nil {
			s.health.Shutdown()
			gs.GracefulStop()
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}
