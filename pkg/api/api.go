// Package api exposes the storefront proxy, worker callback, platform
// webhook and admin endpoints over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/lifecycle"
	"github.com/fitrun/fitrun/pkg/platform"
	"github.com/fitrun/fitrun/pkg/ratelimit"
	"github.com/fitrun/fitrun/pkg/storage"
	"github.com/fitrun/fitrun/pkg/store"
	"github.com/fitrun/fitrun/pkg/telemetry"
	"github.com/fitrun/fitrun/pkg/worker"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/fitrun/fitrun/pkg/api"

	shutdownTimeout     = 10 * time.Second
	maintenanceInterval = 5 * time.Minute
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log           logrus.FieldLogger
	cfg           *config.Config
	store         store.Store
	lifecycle     *lifecycle.Manager
	resolver      *identity.Resolver
	uploadLimiter ratelimit.Limiter
	closeLimiter  func() error
	ipLimits      *rateLimiterMap
	presigner     storage.Presigner
	assets        *storage.LocalAssets
	tracer        trace.Tracer
	stopTracing   telemetry.ShutdownFunc
	router        http.Handler
	httpServer    *http.Server
	wg            sync.WaitGroup
	done          chan struct{}
	stopOnce      sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start wires the store and collaborators, then starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Periodic cleanup of idle per-IP limiters.
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if s.ipLimits != nil {
					removed := s.ipLimits.cleanup(time.Now())

					s.log.WithField("removed", removed).Debug("Cleaned idle IP limiters")
				}
			case <-s.done:
				return
			}
		}
	}()

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// setup creates every collaborator and builds the router.
func (s *server) setup(ctx context.Context) error {
	tp, stopTracing, err := telemetry.NewTracerProvider(ctx, s.log, &s.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	s.tracer = tp.Tracer(tracerName)
	s.stopTracing = stopTracing

	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	limiter, closeLimiter, err := ratelimit.New(ctx, s.log, &s.cfg.RateLimit.Upload)
	if err != nil {
		return fmt.Errorf("creating upload limiter: %w", err)
	}

	s.uploadLimiter = limiter
	s.closeLimiter = closeLimiter

	if s.cfg.Storage.S3.Enabled {
		presigner, err := storage.NewS3Presigner(s.log, &s.cfg.Storage.S3)
		if err != nil {
			return fmt.Errorf("initializing s3 presigner: %w", err)
		}

		s.presigner = presigner

		s.log.Info("S3 presigned URL generation enabled")
	}

	if s.cfg.Storage.Local.Enabled {
		s.assets = storage.NewLocalAssets(s.log, &s.cfg.Storage.Local)

		s.log.Info("Local asset serving enabled")
	}

	var publisher platform.Publisher = platform.NopPublisher{}
	if s.cfg.Platform.Enabled {
		publisher = platform.NewShopifyPublisher(s.log, &s.cfg.Platform)

		s.log.Info("Platform profile publishing enabled")
	}

	s.lifecycle = lifecycle.NewManager(
		s.log,
		s.store,
		worker.NewHTTPGateway(s.log, &s.cfg.Worker),
		publisher,
		&s.cfg.Lifecycle,
		lifecycle.WithWorkerTimeout(s.cfg.Worker.Timeout),
		lifecycle.WithPublishTimeout(s.cfg.Platform.Timeout),
		lifecycle.WithTracerProvider(tp),
	)

	s.resolver = identity.NewResolver(&s.cfg.Proxy)

	if s.cfg.RateLimit.IP.Enabled {
		s.ipLimits = newRateLimiterMap(s.cfg.RateLimit.IP.RequestsPerMinute)
	}

	s.router = s.buildRouter()

	return nil
}

// Stop gracefully shuts down the HTTP server, waits for background work
// and closes the store.
func (s *server) Stop() error {
	var stopErr error

	s.stopOnce.Do(func() {
		stopErr = s.stop()
	})

	return stopErr
}

func (s *server) stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.lifecycle != nil {
		s.lifecycle.Close()
	}

	if s.closeLimiter != nil {
		if err := s.closeLimiter(); err != nil {
			s.log.WithError(err).Warn("Upload limiter close error")
		}
	}

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.stopTracing(ctx); err != nil {
			s.log.WithError(err).Warn("Tracer shutdown error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
