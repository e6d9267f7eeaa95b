// Package gateway assembles the connection gateway process: the websocket
// hub, its HTTP surface, and the broker relay feeding remote events into
// local rooms.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpAdapter "github.com/workhub/portal-realtime/internal/adapters/primary/http"
	mw "github.com/workhub/portal-realtime/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/workhub/portal-realtime/internal/adapters/primary/websocket"
	"github.com/workhub/portal-realtime/internal/adapters/secondary/broker"
	"github.com/workhub/portal-realtime/internal/auth"
	"github.com/workhub/portal-realtime/internal/config"
	"github.com/workhub/portal-realtime/internal/core/domain"
	"github.com/workhub/portal-realtime/internal/core/ports"
	"github.com/workhub/portal-realtime/internal/core/services"
	"github.com/workhub/portal-realtime/internal/infrastructure/metrics"
)

// Server is the gateway process. Start is idempotent: the host may invoke it
// from more than one lifecycle path without creating a second listener or a
// duplicate broker subscription.
type Server struct {
	cfg      *config.Config
	origin   string
	hub      *wsAdapter.Hub
	emitter  ports.Emitter
	broker   ports.Broker
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   *slog.Logger

	startOnce sync.Once
	startErr  error
	httpSrv   *http.Server
}

// New wires the gateway. When cfg has no broker URL, or the broker cannot be
// reached after the configured retries, the gateway falls back to the noop
// bus and runs in single-instance mode.
func New(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)
	origin := uuid.NewString()

	var bus ports.Broker
	if cfg.BrokerEnabled() {
		amqpBus, err := broker.Connect(ctx, broker.Options{
			URL:          cfg.Broker.URL,
			Exchange:     cfg.Broker.Exchange,
			MaxRetries:   cfg.Broker.MaxRetries,
			RetryStep:    cfg.Broker.RetryStep,
			RetryMaxWait: cfg.Broker.RetryMaxWait,
		}, m, logger)
		if err != nil {
			bus = broker.NewNoop()
		} else {
			bus = amqpBus
		}
	} else {
		logger.Info("no broker configured, running in single-instance mode")
		bus = broker.NewNoop()
	}

	hub := wsAdapter.NewHub(logger, m)
	emitter := newMeteredEmitter(services.NewEmitterService(hub, bus, origin, logger), m)

	return &Server{
		cfg:      cfg,
		origin:   origin,
		hub:      hub,
		emitter:  emitter,
		broker:   bus,
		metrics:  m,
		registry: reg,
		logger:   logger.With("component", "gateway"),
	}
}

// Emitter returns the public emit API for mutation call sites hosted in the
// same process.
func (s *Server) Emitter() ports.Emitter {
	return s.emitter
}

// Hub exposes the connection hub, mainly for probes and tests.
func (s *Server) Hub() *wsAdapter.Hub {
	return s.hub
}

// Origin returns this instance's broker origin ID.
func (s *Server) Origin() string {
	return s.origin
}

// Start launches the hub loop, the broker relay, and the HTTP listener.
// Subsequent calls return the first call's result without side effects.
func (s *Server) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Server) start(ctx context.Context) error {
	go s.hub.Run()

	if err := s.broker.Subscribe(ctx, s.relayBrokerMessage); err != nil {
		// Relay loss is degradation, not failure: local clients still
		// get in-process events.
		s.logger.Error("broker subscription failed, cross-instance events disabled", "error", err)
	}

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Server.Port,
		Handler:      s.router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	go func() {
		s.logger.Info("gateway listening", "port", s.cfg.Server.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	return nil
}

// relayBrokerMessage feeds a bus message into local rooms. Malformed
// messages are dropped and logged; events published by this instance were
// already delivered in-process and are skipped.
func (s *Server) relayBrokerMessage(body []byte) {
	var event domain.Event
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Warn("dropping malformed broker message", "error", err)
		s.metrics.EventsDropped.Inc()
		return
	}

	if err := event.Validate(); err != nil {
		s.logger.Warn("dropping broker message with invalid event", "error", err)
		s.metrics.EventsDropped.Inc()
		return
	}

	if event.Origin == s.origin {
		return
	}

	_ = s.hub.Broadcast(event)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(s.logger))
	r.Use(mw.RecoveryLogger(s.logger))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.WebSocket.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", mw.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.cfg.RateLimit.Enabled {
		limiter := mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			BurstSize:         s.cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})
		r.Use(limiter.Middleware)
	}

	verifier := auth.NewIdentityVerifier(s.cfg.WebSocket.AuthSecret)
	wsHandler := httpAdapter.NewWebSocketHandler(s.hub, verifier, s.cfg, s.logger)
	healthHandler := httpAdapter.NewHealthHandler(s.hub, s.cfg.App.Version)

	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/socket", wsHandler.ServeHTTP)

	r.Method("GET", "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

// Shutdown stops the HTTP listener and closes the broker connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if closeErr := s.broker.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
