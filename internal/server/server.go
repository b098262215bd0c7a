// Package server assembles the bridge: storage, crypto, auth probing,
// OAuth flows, the relay and the HTTP API, plus lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/authprobe"
	"github.com/starbase-chat/mcpbridge/internal/config"
	"github.com/starbase-chat/mcpbridge/internal/httpapi"
	"github.com/starbase-chat/mcpbridge/internal/identity"
	"github.com/starbase-chat/mcpbridge/internal/oauth"
	"github.com/starbase-chat/mcpbridge/internal/observability"
	"github.com/starbase-chat/mcpbridge/internal/proxy"
	"github.com/starbase-chat/mcpbridge/internal/secret"
	"github.com/starbase-chat/mcpbridge/internal/storage"
	"github.com/starbase-chat/mcpbridge/internal/upstream"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = 6 * time.Hour
)

// Server owns every component of the bridge and runs the HTTP listener.
type Server struct {
	cfg       *config.Config
	logger    *zap.SugaredLogger
	store     *storage.Manager
	metrics   *observability.MetricsManager
	upstreams *upstream.Manager
	flows     *oauth.Engine
	api       *httpapi.Server

	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires all components from the configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	sugar := logger.Sugar()

	keyProvider := secret.NewChainKeyProvider(
		secret.NewEnvKeyProvider(),
		secret.NewKeyringKeyProvider(),
	)
	cipher, err := secret.NewCipherFromProvider(keyProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential cipher: %w", err)
	}

	store, err := storage.NewManager(cfg.DataDir, cipher, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	if len(cfg.SessionSecret) < 32 {
		store.Close()
		return nil, fmt.Errorf("%s must be set to at least 32 bytes", config.EnvSessionSecret)
	}
	sessions, err := identity.NewSessions([]byte(cfg.SessionSecret), cfg.SecureCookies)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize sessions: %w", err)
	}

	metrics := observability.NewMetricsManager(sugar)
	prober := authprobe.NewProber(nil, sugar)
	relay := proxy.NewRelay(nil, sugar, metrics)
	upstreams := upstream.NewManager(cfg.RelayURL(), prober, metrics, sugar)
	flows := oauth.NewEngine(nil, store, cfg.ClientName, cfg.RedirectURI(), metrics, sugar)

	var broker *oauth.Broker
	if cfg.Broker != nil && cfg.Broker.ClientID != "" {
		broker, err = oauth.NewBroker(oauth.BrokerConfig{
			ClientID:     cfg.Broker.ClientID,
			ClientSecret: cfg.Broker.ClientSecret,
			AuthorizeURL: cfg.Broker.AuthorizeEndpoint,
			TokenURL:     cfg.Broker.TokenEndpoint,
			UserinfoURL:  cfg.Broker.UserinfoEndpoint,
			RedirectURI:  cfg.PublicBaseURL + "/broker/callback",
		}, nil, sugar)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to configure identity broker: %w", err)
		}
	}

	api := httpapi.NewServer(httpapi.Config{
		Store:       store,
		Connections: upstreams,
		Flows:       flows,
		Broker:      broker,
		Relay:       relay,
		Sessions:    sessions,
		Metrics:     metrics,
		Logger:      sugar,
	})

	return &Server{
		cfg:       cfg,
		logger:    sugar,
		store:     store,
		metrics:   metrics,
		upstreams: upstreams,
		flows:     flows,
		api:       api,
	}, nil
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.startTime = time.Now()
	s.metrics.SetUptime(s.startTime)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", "addr", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case err := <-errCh:
			s.close()
			return fmt.Errorf("http server failed: %w", err)
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// runCleanup expires old connections and registrations and drops records
// that no longer decrypt.
func (s *Server) runCleanup() {
	if removed, err := s.store.CleanupOldConnections(); err != nil {
		s.logger.Warnw("Connection cleanup failed", "error", err)
	} else if removed > 0 {
		s.logger.Infow("Removed expired connections", "count", removed)
	}

	if report, err := s.store.CleanupCorruptedConnections(); err != nil {
		s.logger.Warnw("Corruption cleanup failed", "error", err)
	} else if report.Corrupted > 0 {
		s.logger.Warnw("Removed undecryptable connections", "count", report.Corrupted)
	}

	if removed, err := s.store.CleanupExpiredRegistrations(); err != nil {
		s.logger.Warnw("Registration cleanup failed", "error", err)
	} else if removed > 0 {
		s.logger.Infow("Removed expired registrations", "count", removed)
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnw("HTTP server shutdown incomplete", "error", err)
	}

	s.close()
	return nil
}

func (s *Server) close() {
	s.upstreams.DisconnectAll()
	if err := s.store.Close(); err != nil {
		s.logger.Warnw("Failed to close storage", "error", err)
	}
}
