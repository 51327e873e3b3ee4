// Unified Bridge — edge data plane for plant telemetry.
//
// This is the main entry point for the bridge service. It provides:
//   - OPC-UA / MQTT / Modbus source connections
//   - Vendor format classification and ISA-95 normalization
//   - Disk-backed queueing with rate limiting and circuit breaking
//   - A streaming uplink to the cloud ingest service
//   - A local HTTP API for configuration and diagnostics
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/otbridge/otbridge/pkg/models"
	"github.com/otbridge/otbridge/pkg/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🌉 Unified Bridge starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize bridge")
		os.Exit(models.ExitCode(err))
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown: stop HTTP first so no new config arrives, then
	// drain the pipeline and flush telemetry.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("🔥 Bridge is up")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Server failed")
		srv.Close()
		srv.ShutdownFunc(ctx)
		os.Exit(models.ExitCode(err))
	}

	if err := srv.Close(); err != nil {
		log.Error().Err(err).Msg("Pipeline shutdown failed")
		srv.ShutdownFunc(ctx)
		os.Exit(models.ExitCode(err))
	}
	srv.ShutdownFunc(ctx)
	log.Info().Msg("Bridge stopped")
}
