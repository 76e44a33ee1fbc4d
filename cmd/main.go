package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcribe-client/pkg/api"
	"transcribe-client/pkg/backend"
	"transcribe-client/pkg/channel"
	"transcribe-client/pkg/config"
	"transcribe-client/pkg/controller"
	"transcribe-client/pkg/results"
	"transcribe-client/pkg/storage"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.LogLevel)

	client, err := backend.NewClient(cfg.Backend.URL, cfg.Backend.RequestTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create backend client")
	}

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.Backend.DialTimeout}
	channels := channel.NewManager(dialer, client.StatusURL)
	history := storage.NewMemoryHistory(cfg.History.Limit)
	locator := results.NewLocator(client.BaseURL())
	ctrl := controller.New(client, channels, locator, history)

	handlers := api.NewHandlers(ctrl, history, locator, client, cfg.Defaults, cfg.Server.PushInterval)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Address).Str("backend", client.BaseURL()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}
	ctrl.Close()

	log.Info().Msg("server exited")
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
