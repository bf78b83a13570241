// Package main is the entry point for the LacyLights DMX node.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/api"
	"github.com/bbernstein/lacylights-node/internal/config"
	"github.com/bbernstein/lacylights-node/internal/database"
	"github.com/bbernstein/lacylights-node/internal/database/repositories"
	"github.com/bbernstein/lacylights-node/internal/logger"
	"github.com/bbernstein/lacylights-node/internal/node"
	"github.com/bbernstein/lacylights-node/internal/services/version"
)

func main() {
	// Load .env file if present
	envErr := godotenv.Load()

	// Load configuration
	cfg := config.Load()

	logs, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logs.Close() }()
	if envErr != nil {
		logs.Debug("No .env file found, using environment variables")
	}

	// Print startup banner
	printBanner(os.Stdout, cfg)

	if err := run(cfg, logs.Logger); err != nil {
		logs.WithError(err).Error("Node stopped with error")
		_ = logs.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.Connect(database.Config{
		URL:         cfg.DatabaseURL,
		MaxIdleConn: 1,
		MaxOpenConn: 1,
		Debug:       cfg.IsDevelopment(),
	}, log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = database.Close(db) }()

	settings := repositories.NewSettingRepository(db)
	params, err := settings.LoadNodeParams(ctx)
	if err != nil {
		return err
	}

	layout, err := config.LoadLayout(cfg.PortLayoutFile)
	if err != nil {
		return err
	}

	n, err := node.New(ctx, node.Options{
		Config: cfg,
		Params: params,
		Layout: layout,
		Store:  settings,
		Log:    log,
	})
	if err != nil {
		return err
	}
	n.Start()

	loopDone := make(chan struct{})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go func() {
		defer close(loopDone)
		_ = n.Run(loopCtx)
	}()

	handler := api.New(api.Deps{
		DMX:     n.DMX(),
		Outputs: n.Outputs(),
		Bridge:  n.Bridge(),
		Params:  n,
		RDM:     n,
		Bus:     n.Bus(),
		Log:     log,
	}, api.Options{CORSOrigin: cfg.CORSOrigin, Development: cfg.IsDevelopment()})
	httpServer := newHTTPServer(cfg, handler)

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("🌐 API listening on http://localhost:%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err = <-serveErr:
		log.WithError(err).Error("API server failed")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if herr := httpServer.Shutdown(shutdownCtx); herr != nil {
		log.WithError(herr).Warn("API shutdown error")
	}

	stopLoop()
	<-loopDone
	n.Shutdown(shutdownCtx)

	log.Info("👋 Node stopped")
	return err
}

func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config) {
	info := version.Get()
	fmt.Fprintln(w, "============================================")
	fmt.Fprintln(w, "  LacyLights DMX Node")
	fmt.Fprintf(w, "  Version: %s\n", info.Version)
	fmt.Fprintf(w, "  Build:   %s\n", info.BuildTime)
	fmt.Fprintf(w, "  Commit:  %s\n", info.GitCommit)
	fmt.Fprintln(w, "============================================")
	fmt.Fprintf(w, "  Environment: %s\n", cfg.Env)
	fmt.Fprintf(w, "  Port:        %s\n", cfg.HTTPPort)
	fmt.Fprintf(w, "  Database:    %s\n", cfg.DatabaseURL)
	fmt.Fprintf(w, "  Art-Net:     %v\n", cfg.ArtNetEnabled)
	fmt.Fprintf(w, "  sACN:        %v\n", cfg.SACNEnabled)
	fmt.Fprintf(w, "  Node:        %s (%s)\n", cfg.NodeShortName, cfg.NodeUID)
	fmt.Fprintln(w, "============================================")
}
