package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trueshuffle/controller/config"
	"github.com/trueshuffle/controller/internal/controller"
	"github.com/trueshuffle/controller/internal/remote"
	"github.com/trueshuffle/controller/internal/server"
	"github.com/trueshuffle/controller/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	slog.Info("starting true-shuffle controller",
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"queue_buffer_size", cfg.QueueBufferSize,
	)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open run store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tokens := store.NewTokenStore(db)
	remoteClient := remote.NewClient(cfg.SpotifyClientID, cfg.RemoteConnTimeout, cfg.RemoteReadTimeout, tokens)
	registry := controller.New(remoteClient, db, cfg.QueueBufferSize, cfg.PollInterval)

	identity := server.NewHeaderIdentity("X-Spotify-User-Id")
	api := server.NewAPI(registry, identity)
	exportAPI := server.NewExportAPI(db, identity)
	router := server.SetupRouter(api, exportAPI)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during server shutdown", "error", err)
		}
	}()

	slog.Info("listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
