package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/star/orbitguard/internal/api"
	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/config"
	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/engine"
	"github.com/star/orbitguard/internal/metrics"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/replay"
	"github.com/star/orbitguard/internal/risk"
	"github.com/star/orbitguard/internal/stream"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML or JSON config file")
	pflag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	store := catalog.NewStore()
	prop := propagation.NewPropagator(cfg.Propagation, logger)
	assessor := risk.NewAssessor(cfg.Risk)
	detector := conjunction.NewDetector(prop, assessor, cfg.Screening.Detector, logger)
	eng := engine.New(store, prop, detector, engine.Config{
		RadiusKm:      cfg.Screening.RadiusKm,
		Horizon:       cfg.Screening.Horizon,
		ScanOnRefresh: cfg.Screening.OnRefresh,
		Simulator:     cfg.Maneuver.Simulator,
		Optimizer:     cfg.Maneuver.Optimizer,
	}, logger)
	defer eng.Close()

	var fetcher *catalog.Fetcher
	if cfg.Catalog.EnableFetch {
		fetcher = catalog.NewFetcher(cfg.Catalog.SourceURL, logger, cfg.Catalog.ExtraURLs...)
	}
	refresher := engine.NewRefresher(eng, fetcher, catalog.NewCache(cfg.Catalog.CacheDir, cfg.Catalog.MaxFiles), cfg.Catalog.RefreshInterval, logger)

	// Attempt to load cached TLE data on startup.
	if _, err := refresher.LoadCache(); err != nil {
		logger.Info("no TLE cache found, starting without catalog", "error", err)
	}

	ctrl := replay.NewController(replay.NewCatalogSource(store, prop, cfg.Replay.Mode), cfg.Replay.Controller, logger)
	streamHandler := stream.NewHandler(ctrl, eng, cfg.Stream, logger)

	srv := api.NewServer(api.Config{
		Addr:       cfg.HTTP.Addr,
		Auth:       cfg.HTTP.Auth,
		RateLimit:  cfg.HTTP.RateLimit,
		RateBurst:  cfg.HTTP.RateBurst,
		TrustProxy: cfg.HTTP.TrustProxy,
	}, api.Deps{
		Engine:    eng,
		Refresher: refresher,
		Replay:    ctrl,
		Stream:    streamHandler,
	}, logger)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		refresher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ctrl.Run(gctx)
		return nil
	})
	g.Go(func() error {
		srv.PruneLimiters(gctx, time.Minute)
		return nil
	})

	// Background goroutine to update the catalog age gauge.
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if age := store.AgeSeconds(); age >= 0 {
					metrics.SetCatalogAge(age)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		logger.Info("starting server",
			"addr", cfg.HTTP.Addr,
			"auth_enabled", cfg.HTTP.Auth.Enabled,
			"catalog_fetch_enabled", cfg.Catalog.EnableFetch,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Close()
		return srv.HTTPServer().Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
