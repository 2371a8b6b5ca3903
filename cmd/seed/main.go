package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/gwc-sys/wildlife-tracking-Client-side/config"
	"github.com/gwc-sys/wildlife-tracking-Client-side/demo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	device := flag.String("device", "collar-demo", "device id to write")
	steps := flag.Int("steps", 60, "number of locations")
	interval := flag.Duration("interval", time.Minute, "time between locations")
	lat := flag.Float64("lat", -1.2921, "start latitude")
	lng := flag.Float64("lng", 36.8219, "start longitude")
	fence := flag.Float64("fence", 300, "geofence radius in meters, 0 disables alerts")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if strings.EqualFold(cfg.Backend, config.BackendMemory) {
		log.Fatal().Msg("Seeding needs BACKEND=mqtt or BACKEND=redis")
	}

	backend, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msgf("Failed to open %s store", cfg.Backend)
	}
	defer closeStore()

	w := demo.Walk{
		DeviceID:    *device,
		Start:       time.Now().Add(-time.Duration(*steps) * *interval),
		Interval:    *interval,
		Lat:         *lat,
		Lng:         *lng,
		StepMeters:  25,
		FenceMeters: *fence,
		Rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := w.Run(ctx, backend, *steps); err != nil {
		log.Error().Err(err).Msg("Seeding failed")
		return
	}
	log.Info().Msgf("Seeded %s on %s", *device, cfg.Backend)
}
