package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callscreen/internal/app"
	"github.com/ent0n29/callscreen/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	log.Info().
		Str("voice", built.VoiceDetail).
		Str("witness_store", built.StoreMode).
		Str("witness_mode", cfg.WitnessMode).
		Str("oracle_mode", cfg.OracleMode).
		Msg("components ready")

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked media-stream connections are not tracked by Shutdown; cancelling
	// the base context ends their calls.
	runCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	// Summaries, notifications and witness inserts of already decided calls
	// must land before the pipeline and its store go away.
	if err := built.Orchestrator.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("call follow-ups still running at shutdown")
	}

	if built.Pipeline != nil {
		if err := built.Pipeline.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("witness pipelines still running at shutdown")
		}
	}
	if err := built.Cleanup(); err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if strings.EqualFold(format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
