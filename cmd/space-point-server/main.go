package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrGodgames/Space-Point/internal/auth"
	"github.com/MrGodgames/Space-Point/internal/blob"
	"github.com/MrGodgames/Space-Point/internal/config"
	"github.com/MrGodgames/Space-Point/internal/db"
	"github.com/MrGodgames/Space-Point/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := cfg.SetupLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Initialize database
	database, err := db.NewServerDB(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer database.Close()

	blobs, err := blob.NewFileStore(cfg.BlobDir)
	if err != nil {
		log.Fatal("failed to open blob store", zap.String("dir", cfg.BlobDir), zap.Error(err))
	}

	// Initialize components
	authenticator := auth.NewAuthenticator(cfg.JWTSecret, database)
	srv := server.NewServer(cfg, database, blobs, authenticator, log.Named("server"))

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(srv.CloseSessions)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	log.Info("space-point server running",
		zap.String("addr", cfg.Addr),
		zap.Bool("open_registration", cfg.OpenRegistration))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}
