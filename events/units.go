package events

import (
	"math"
	"time"
)

// UnitPolicy turns a raw numeric epoch value into a time
//
// Devices in the field report epochs in seconds and in milliseconds without
// saying which. A policy resolves the unit and reports whether it is unsure.
type UnitPolicy interface {
	Resolve(raw float64, now time.Time) (ts time.Time, ambiguous bool)
}

// DefaultMillisThreshold is the magnitude above which epochs are read as milliseconds
const DefaultMillisThreshold = 1e12

// MagnitudePolicy is a best-effort heuristic: values at or above Threshold are
// milliseconds, anything below is seconds. It is not certain. A result that
// lands outside [2000-01-01, now+24h] is flagged as ambiguous.
type MagnitudePolicy struct {
	Threshold float64
}

var plausibleFrom = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	// beyond this a value no longer fits in int64 nanoseconds
	maxNanos = 9e18
	// about 30 million years, comfortably inside what time.Time holds
	maxEpochSeconds = 1e15
)

func (p MagnitudePolicy) Resolve(raw float64, now time.Time) (time.Time, bool) {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultMillisThreshold
	}

	if math.Abs(raw) >= threshold {
		if math.Abs(raw) > maxEpochSeconds*1000 {
			return time.Unix(0, 0).UTC(), true
		}
		return flag(time.UnixMilli(int64(raw)), now)
	}
	return fromSeconds(raw, now)
}

// FixedUnitPolicy applies one unit to every value, for deployments where the
// convention is known. Results outside the plausible range are still flagged.
type FixedUnitPolicy struct {
	Unit time.Duration // time.Second or time.Millisecond
}

func (p FixedUnitPolicy) Resolve(raw float64, now time.Time) (time.Time, bool) {
	unit := p.Unit
	if unit <= 0 {
		unit = time.Second
	}
	if ns := raw * float64(unit); math.Abs(ns) < maxNanos {
		return flag(time.Unix(0, int64(ns)), now)
	}
	return fromSeconds(raw*unit.Seconds(), now)
}

func fromSeconds(raw float64, now time.Time) (time.Time, bool) {
	if math.Abs(raw) > maxEpochSeconds {
		return time.Unix(0, 0).UTC(), true
	}
	sec, frac := math.Modf(raw)
	return flag(time.Unix(int64(sec), int64(frac*1e9)), now)
}

// flag reports a result outside [2000-01-01, now+24h] as ambiguous
func flag(ts, now time.Time) (time.Time, bool) {
	ts = ts.UTC()
	return ts, ts.Before(plausibleFrom) || ts.After(now.Add(24*time.Hour))
}
