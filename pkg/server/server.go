// Package server provides the public entry point for initializing the
// bridge service.
//
// This package exists in pkg/ (not internal/) so that deployment wrappers
// can import it and compose the bridge with their own middleware or
// supervision.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8090", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/otbridge/otbridge/internal/api"
	"github.com/otbridge/otbridge/internal/api/handlers"
	"github.com/otbridge/otbridge/internal/bridge"
	"github.com/otbridge/otbridge/internal/config"
	"github.com/otbridge/otbridge/internal/protocol"
	"github.com/otbridge/otbridge/internal/protocol/sim"
	"github.com/otbridge/otbridge/internal/telemetry"
)

// Server holds the initialized bridge service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Bridge is the pipeline coordinator. Exposed so wrappers can stop
	// sources or read status without going through HTTP.
	Bridge *bridge.Bridge

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and initializes all bridge
// components. Sources and the ingest stream start immediately.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the bridge with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Protocol clients. The sim factories answer for all three protocols
	// until a build links real drivers in their place.
	registry := protocol.NewRegistry()
	sim.Register(registry)

	b, err := bridge.New(cfg, registry, log.Logger)
	if err != nil {
		return nil, err
	}
	log.Info().Int("sources", len(cfg.Sources)).Msg("✅ Bridge initialized")

	if err := b.StartBridge(ctx); err != nil {
		b.Close()
		return nil, err
	}

	h := handlers.New(b)
	router := api.NewRouter(cfg, h, b.Metrics())

	return &Server{
		Handler:      router,
		Bridge:       b,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// Close stops the pipeline and releases the spool lock and all secrets.
func (s *Server) Close() error {
	if err := s.Bridge.StopBridge(); err != nil {
		return err
	}
	return s.Bridge.Close()
}
