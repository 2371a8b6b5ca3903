package tracking

import (
	"testing"

	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
	"github.com/gwc-sys/wildlife-tracking-Client-side/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func locationEntry(p metrics.Point) *reconcile.Entry {
	s := &events.LocationSample{DeviceID: "collar-1", Latitude: p.Lat, Longitude: p.Lng, Timestamp: p.Timestamp}
	return &reconcile.Entry{Key: "k", Timestamp: p.Timestamp, Record: s}
}

func TestFollowerFeedsRunningSession(t *testing.T) {
	// arrange
	m := newTestManager(nil)
	f := Follower{Manager: m}
	require.NoError(t, m.Start("collar-1", nil))

	// act
	f.OnCurrentChange("collar-1", reconcile.StreamLocations, locationEntry(origin))
	f.OnCurrentChange("collar-1", reconcile.StreamMotion, locationEntry(north(origin, 50, 1)))
	f.OnCurrentChange("collar-1", reconcile.StreamLocations, nil)
	f.OnCurrentChange("collar-2", reconcile.StreamLocations, locationEntry(origin))

	// assert
	path, ok := m.Path("collar-1")
	require.True(t, ok)
	assert.Equal(t, []metrics.Point{origin}, path)
	assert.False(t, m.Tracking("collar-2"))
}

func TestFollowerSkipsSamplesWithoutFix(t *testing.T) {
	m := newTestManager(nil)
	require.NoError(t, m.Start("collar-1", nil))
	e := locationEntry(origin)
	s := e.Record.(*events.LocationSample)
	s.WasDefaulted = true
	s.DefaultedFields = []string{events.FieldLongitude}

	Follower{Manager: m}.OnCurrentChange("collar-1", reconcile.StreamLocations, e)

	path, _ := m.Path("collar-1")
	assert.Empty(t, path)
}
