// Package metrics derives distance, speed and freshness from point sequences.
// Every function is pure.
package metrics

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
)

// EarthRadiusMeters is the mean radius used by the haversine formula
const EarthRadiusMeters = 6371000.0

// Point is a position at a moment in time
type Point struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type SpeedUnit string

const (
	MetersPerSecond   SpeedUnit = "ms"
	KilometersPerHour SpeedUnit = "kmh"
	MilesPerHour      SpeedUnit = "mph"
)

// ParseSpeedUnit accepts the short names and a few spellings of them
func ParseSpeedUnit(s string) (SpeedUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "kmh", "km/h", "kph":
		return KilometersPerHour, nil
	case "mph":
		return MilesPerHour, nil
	case "ms", "m/s", "mps":
		return MetersPerSecond, nil
	}
	return "", fmt.Errorf("unknown speed unit %q", s)
}

// Convert turns meters per second into the unit
func (u SpeedUnit) Convert(mps float64) float64 {
	switch u {
	case KilometersPerHour:
		return mps * 3.6
	case MilesPerHour:
		return mps * 3600 / 1609.344
	default:
		return mps
	}
}

// Haversine returns the great-circle distance between two points in meters
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h a hair above 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Distance sums the legs between consecutive points; fewer than two points is 0
func Distance(points []Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Haversine(points[i-1], points[i])
	}
	return total
}

// Elapsed is the wall-clock time between the first and the last point
func Elapsed(points []Point) time.Duration {
	if len(points) < 2 {
		return 0
	}
	return points[len(points)-1].Timestamp.Sub(points[0].Timestamp)
}

// AverageSpeed is distance over elapsed time in the given unit. Zero or
// negative elapsed time (clock skew) yields 0.
func AverageSpeed(points []Point, unit SpeedUnit) float64 {
	elapsed := Elapsed(points).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return unit.Convert(Distance(points) / elapsed)
}

// Freshness is the age of a sample in seconds
func Freshness(now, last time.Time) float64 {
	return now.Sub(last).Seconds()
}

// FreshnessRaw resolves a raw epoch through the unit policy before aging it
func FreshnessRaw(now time.Time, raw float64, policy events.UnitPolicy) (age float64, ambiguous bool) {
	if policy == nil {
		policy = events.MagnitudePolicy{}
	}
	ts, ambiguous := policy.Resolve(raw, now)
	return Freshness(now, ts), ambiguous
}

// Summary bundles the derived values for one point sequence
type Summary struct {
	Points           int       `json:"points"`
	DistanceMeters   float64   `json:"distanceMeters"`
	ElapsedSeconds   float64   `json:"elapsedSeconds"`
	AverageSpeed     float64   `json:"averageSpeed"`
	SpeedUnit        SpeedUnit `json:"speedUnit"`
	FreshnessSeconds *float64  `json:"freshnessSeconds"` // nil without points
}

func Summarize(points []Point, now time.Time, unit SpeedUnit) Summary {
	s := Summary{
		Points:         len(points),
		DistanceMeters: Distance(points),
		ElapsedSeconds: Elapsed(points).Seconds(),
		AverageSpeed:   AverageSpeed(points, unit),
		SpeedUnit:      unit,
	}
	if len(points) > 0 {
		age := Freshness(now, points[len(points)-1].Timestamp)
		s.FreshnessSeconds = &age
	}
	return s
}

// LastSeen ages the summary from the newest sample, which can be newer than
// the last point when later samples had no fix
func (s Summary) LastSeen(last, now time.Time) Summary {
	age := Freshness(now, last)
	s.FreshnessSeconds = &age
	return s
}

// FromSample converts a location sample into a point
func FromSample(s *events.LocationSample) Point {
	return Point{Lat: s.Latitude, Lng: s.Longitude, Timestamp: s.Timestamp}
}
