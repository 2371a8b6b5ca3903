package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gwc-sys/wildlife-tracking-Client-side/api"
	"github.com/gwc-sys/wildlife-tracking-Client-side/config"
	"github.com/gwc-sys/wildlife-tracking-Client-side/demo"
	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/gwc-sys/wildlife-tracking-Client-side/feed"
	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
	"github.com/gwc-sys/wildlife-tracking-Client-side/reconcile"
	"github.com/gwc-sys/wildlife-tracking-Client-side/store"
	"github.com/gwc-sys/wildlife-tracking-Client-side/tracking"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg)

	backend, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msgf("Failed to open %s store", cfg.Backend)
	}
	defer closeStore()
	if mem, ok := backend.(*store.Memory); ok {
		seedMemory(ctx, mem, cfg.DeviceID)
	}

	var archive *tracking.PgArchive
	var archiver tracking.Archiver
	if cfg.ArchiveDSN != "" {
		archive, err = tracking.NewPgArchive(ctx, cfg.ArchiveDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open session archive")
		}
		defer archive.Close()
		if err := archive.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare session archive")
		}
		archiver = archive
	}

	unit, _ := metrics.ParseSpeedUnit(cfg.SpeedUnit)
	manager := tracking.NewManager(cfg.MinMoveMeters, archiver)
	hub := feed.NewHub()
	defer hub.Close()

	normalizer := events.NewNormalizer(events.MagnitudePolicy{Threshold: cfg.MillisThreshold})
	engine := reconcile.NewEngine(backend,
		reconcile.Consumers{reconcile.LogConsumer{}, tracking.Follower{Manager: manager}, hub},
		normalizer,
		reconcile.Config{Window: cfg.Window, RetryInitial: cfg.RetryInitial, RetryMax: cfg.RetryMax},
	)
	defer engine.Close()
	watcher := reconcile.NewWatcher(engine)
	defer watcher.Close()

	if cfg.DeviceID != "" {
		if err := watcher.Switch(cfg.DeviceID); err != nil {
			log.Fatal().Err(err).Msgf("Failed to observe %s", cfg.DeviceID)
		}
	}

	h := &api.Handler{
		Timelines: engine,
		Observer:  watcher,
		Tracker:   manager,
		SpeedUnit: unit,
	}
	if archive != nil {
		h.Archive = archive
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(h, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Msgf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if level > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

// seedMemory gives the in-process store something to show
func seedMemory(ctx context.Context, mem *store.Memory, deviceID string) {
	if deviceID == "" {
		deviceID = "collar-demo"
	}
	w := demo.Walk{
		DeviceID:    deviceID,
		Start:       time.Now().Add(-time.Hour),
		Interval:    time.Minute,
		Lat:         -1.2921,
		Lng:         36.8219,
		StepMeters:  25,
		FenceMeters: 300,
		Rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := w.Run(ctx, mem, 60); err != nil {
		log.Warn().Err(err).Msg("Failed to seed memory store")
	}
}
