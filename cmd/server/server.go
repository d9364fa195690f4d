// Package server wires every component of the Cat-Emails engine into one
// runnable process: an HTTP listener (REST + WebSocket), a gRPC listener
// carrying only the standard health-check service, and a Prometheus
// metrics listener, torn down together on shutdown. Grounded on the
// reference backend's cmd/server/server.go three-listener Server struct.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/catemails/engine/internal/audit"
	"github.com/catemails/engine/internal/config"
	"github.com/catemails/engine/internal/gate"
	"github.com/catemails/engine/internal/httpapi"
	"github.com/catemails/engine/internal/mailstore"
	"github.com/catemails/engine/internal/mailstore/gmailstore"
	"github.com/catemails/engine/internal/mailstore/imapstore"
	"github.com/catemails/engine/internal/models"
	"github.com/catemails/engine/internal/oauthstate"
	"github.com/catemails/engine/internal/pipeline"
	"github.com/catemails/engine/internal/pipeline/pipelinetest"
	"github.com/catemails/engine/internal/policycache"
	"github.com/catemails/engine/internal/publisher"
	"github.com/catemails/engine/internal/registry"
	"github.com/catemails/engine/internal/scheduler"
)

const (
	defaultShutdownGrace = 30 * time.Second
	statusRingSize       = 200
	imapDefaultAddr      = "imap.gmail.com:993"
	policySnapshotTTL    = 5 * time.Minute
)

// Server bundles the HTTP, gRPC-health, and metrics listeners plus every
// component they front, so Start/Shutdown can manage them as a unit.
type Server struct {
	cfg *config.Config
	log *zap.Logger

	httpServer    *http.Server
	grpcServer    *grpc.Server
	metricsServer *http.Server
	healthSrv     *health.Server

	auditStore *audit.Store
	scheduler  *scheduler.Scheduler

	shutdownTimeout time.Duration
	wg              sync.WaitGroup
}

// NewServer constructs every engine component from cfg and wires them
// into a Server ready to Start. Policy and Classifier remain pure
// interfaces per spec.md §1 (no real implementation shipped); this wiring
// uses the pipelinetest doubles so the engine is runnable end to end out
// of the box, with real deployments supplying their own.
func NewServer(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	auditStore, err := audit.Open(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	reg := registry.New(statusRingSize)
	pub := publisher.New(reg, log)
	g := gate.New(cfg.MinInterval)

	gmailFactory := gmailstore.NewFactory(gmailstore.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
	})
	selector := mailstore.NewSelector(
		gmailFactory,
		imapstore.NewFactory(imapstore.ServerConfig{Addr: imapDefaultAddr, TLS: true}),
	)
	stateIssuer := oauthstate.New(cfg.OAuth.StateSignKey, oauthstate.DefaultTTL)

	classifier := &pipelinetest.FakeClassifier{Category: "Other"}
	policy := policycache.New(&pipelinetest.FakePolicy{}, policySnapshotTTL)

	pl := pipeline.New(
		func(cred models.Credential) pipeline.MailStore { return selector.For(cred) },
		classifier,
		policy,
		auditStore,
		reg,
		pub,
		log,
		pipeline.Config{
			LookbackHours:   cfg.LookbackHours,
			PipelineTimeout: cfg.PipelineTimeout,
		},
	)

	sched := scheduler.New(cfg.ScanInterval, auditStore, pl, g, log)

	handler := httpapi.New(auditStore, reg, g, sched, pl, pub, cfg, log, gmailFactory, stateIssuer)

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      time.Hour,
			MaxConnectionAgeGrace: time.Minute,
			Time:                  time.Minute,
			Timeout:               20 * time.Second,
		}),
	)
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownGrace
	}

	return &Server{
		cfg:        cfg,
		log:        log,
		auditStore: auditStore,
		scheduler:  sched,
		healthSrv:  healthSrv,
		grpcServer: grpcServer,
		httpServer: &http.Server{
			Handler:      handler.NewRouter(),
			ReadTimeout:  cfg.RequestTimeout,
			WriteTimeout: cfg.RequestTimeout,
		},
		metricsServer: &http.Server{
			Handler: promhttp.Handler(),
		},
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Start launches the HTTP, gRPC-health, and metrics listeners plus the
// background scheduler, each in its own goroutine, and returns
// immediately. A single listener's error is logged, not returned, since it
// shouldn't tear down the others mid-flight — Shutdown is the only way to
// stop cleanly.
func (s *Server) Start() error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.httpServer.Addr = fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Info("starting http server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port+1)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("failed to start grpc listener", zap.Error(err))
			return
		}
		s.log.Info("starting grpc health server", zap.String("addr", addr))
		if err := s.grpcServer.Serve(lis); err != nil {
			s.log.Error("grpc server error", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.metricsServer.Addr = fmt.Sprintf(":%d", s.cfg.Port+2)
		s.log.Info("starting metrics server", zap.String("addr", s.metricsServer.Addr))
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops the scheduler and every listener, waiting up to
// shutdownTimeout for in-flight requests and pipeline runs to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("initiating graceful shutdown")
	s.healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http server shutdown error", zap.Error(err))
	}
	s.grpcServer.GracefulStop()
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("metrics server shutdown error", zap.Error(err))
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		s.log.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		s.log.Warn("shutdown deadline exceeded")
	}

	return s.auditStore.Close()
}
