package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mapmo/backend/internal/api/handler"
	"mapmo/backend/internal/chathub"
	"mapmo/backend/internal/config"
	"mapmo/backend/internal/localization"
	"mapmo/backend/internal/matching"
	"mapmo/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mapmo:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("mapmo", pflag.ContinueOnError)
	flags.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flags.StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "storage backend: postgres or memory")
	flags.StringVar(&cfg.GoalsFile, "goals", cfg.GoalsFile, "goal compatibility YAML (embedded table when empty)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	flags.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "expiry sweep period")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := cfg.NewLogger()
	slog.SetDefault(log)
	log.Info("starting mapmo backend", "addr", cfg.HTTPAddr, "storage", cfg.StorageBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	goals, err := config.LoadGoalTable(cfg.GoalsFile)
	if err != nil {
		return err
	}
	loc, err := localization.New()
	if err != nil {
		return fmt.Errorf("load translations: %w", err)
	}

	engine := matching.NewEngine(store, matching.NewScorer(goals), matching.WithLogger(log.With("component", "matching")))
	hub := chathub.NewManagerService(store, engine, chathub.WithLogger(log.With("component", "chathub")))
	engine.SetAnnouncer(hub)
	defer hub.Close()

	sweeper := chathub.NewSweeper(hub, engine,
		chathub.WithSweepInterval(cfg.SweepInterval),
		chathub.WithSweeperLogger(log.With("component", "sweeper")))
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(sweepCtx)
	}()
	defer func() {
		stopSweeper()
		<-sweepDone
	}()

	if cfg.SlogLevel() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	h := handler.NewHandler(hub, engine, store, loc, []byte(cfg.JWTSecret),
		handler.WithLogger(log.With("component", "http")))
	h.Routes(r)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
