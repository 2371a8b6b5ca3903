package demo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/gwc-sys/wildlife-tracking-Client-side/store"
	"github.com/rs/zerolog/log"
)

// Walk writes a random walk of one collar: locations every Interval, a
// motion status change at every step and an alert when the animal leaves
// the geofence.
type Walk struct {
	DeviceID string
	Start    time.Time
	Interval time.Duration
	Lat, Lng float64
	// StepMeters is the mean displacement per step
	StepMeters float64
	// FenceMeters is the geofence radius around the start position
	FenceMeters float64
	Rand        *rand.Rand
}

const metersPerDegree = 111194.93

// Run writes n steps. Timestamps are milliseconds like the collar firmware.
func (w Walk) Run(ctx context.Context, wr store.Writer, n int) error {
	rng := w.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	lat, lng := w.Lat, w.Lng
	outside := false

	for i := 0; i < n; i++ {
		ts := w.Start.Add(time.Duration(i) * w.Interval)
		step := w.StepMeters * rng.ExpFloat64()
		heading := rng.Float64() * 2 * math.Pi
		lat += step * math.Cos(heading) / metersPerDegree
		lng += step * math.Sin(heading) / (metersPerDegree * math.Cos(lat*math.Pi/180))

		speed := step / w.Interval.Seconds()
		loc := events.Record{
			"lat":       lat,
			"lng":       lng,
			"accuracy":  3 + rng.Float64()*10,
			"speed":     speed,
			"source":    "gps",
			"timestamp": ts.UnixMilli(),
		}
		if _, err := wr.Push(ctx, store.LocationsPath(w.DeviceID), "", loc); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		status := "idle"
		if speed > 0.5 {
			status = "motion"
		}
		motion := events.Record{"status": status, "severity": "low", "timestamp": ts.UnixMilli()}
		if err := wr.Set(ctx, store.MotionLastPath(w.DeviceID), motion); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if _, err := wr.Push(ctx, store.MotionHistoryPath(w.DeviceID), "", motion); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		dist := math.Hypot((lat-w.Lat)*metersPerDegree, (lng-w.Lng)*metersPerDegree*math.Cos(w.Lat*math.Pi/180))
		if w.FenceMeters > 0 && (dist > w.FenceMeters) != outside {
			outside = !outside
			alert := events.Record{
				"type":      "geofence",
				"status":    map[bool]string{true: "exit", false: "enter"}[outside],
				"message":   fmt.Sprintf("%.0f m from the fence center", dist),
				"timestamp": ts.UnixMilli(),
			}
			if _, err := wr.Push(ctx, store.AlertsPath(w.DeviceID), "", alert); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	}
	log.Info().Str("device", w.DeviceID).Msgf("Wrote %d demo steps", n)
	return nil
}
