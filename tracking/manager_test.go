package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meters per degree of latitude on the haversine sphere
const metersPerDegree = 111194.93

var origin = metrics.Point{Lat: -1.2921, Lng: 36.8219, Timestamp: time.Unix(1700000000, 0).UTC()}

func north(from metrics.Point, meters float64, sec int64) metrics.Point {
	return metrics.Point{
		Lat:       from.Lat + meters/metersPerDegree,
		Lng:       from.Lng,
		Timestamp: from.Timestamp.Add(time.Duration(sec) * time.Second),
	}
}

type fakeArchiver struct {
	saved []Session
	err   error
}

func (f *fakeArchiver) Archive(ctx context.Context, s Session) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, s)
	return nil
}

func newTestManager(archiver Archiver) *Manager {
	m := NewManager(0, archiver)
	m.now = func() time.Time { return time.Unix(1700000600, 0).UTC() }
	return m
}

func TestManagerFiltersJitter(t *testing.T) {
	// arrange
	m := newTestManager(nil)
	require.NoError(t, m.Start("collar-1", &origin))

	// act
	p2 := north(origin, 2, 10)
	p15 := north(origin, 15, 20)
	p18 := north(p15, 3, 10)
	a2, err2 := m.OnNewLocation("collar-1", p2)
	a15, err15 := m.OnNewLocation("collar-1", p15)
	a18, err18 := m.OnNewLocation("collar-1", p18)

	// assert
	require.NoError(t, errors.Join(err2, err15, err18))
	assert.False(t, a2, "2 m is jitter")
	assert.True(t, a15)
	assert.False(t, a18, "3 m from the last kept point")
	path, ok := m.Path("collar-1")
	require.True(t, ok)
	assert.Equal(t, []metrics.Point{origin, p15}, path)
}

func TestManagerFirstPointAlwaysAppended(t *testing.T) {
	m := newTestManager(nil)
	require.NoError(t, m.Start("collar-1", nil))

	appended, err := m.OnNewLocation("collar-1", origin)

	require.NoError(t, err)
	assert.True(t, appended)
}

func TestManagerStateMachine(t *testing.T) {
	m := newTestManager(nil)
	ctx := context.Background()

	assert.False(t, m.Tracking("collar-1"))
	_, err := m.OnNewLocation("collar-1", origin)
	assert.ErrorIs(t, err, ErrNotTracking)
	assert.ErrorIs(t, m.Stop("collar-1"), ErrNotTracking)
	_, err = m.Save(ctx, "collar-1")
	assert.ErrorIs(t, err, ErrNotTracking)

	require.NoError(t, m.Start("collar-1", nil))
	assert.True(t, m.Tracking("collar-1"))
	assert.ErrorIs(t, m.Start("collar-1", nil), ErrAlreadyTracking)
	assert.False(t, m.Tracking("collar-2"), "contexts are independent")

	require.NoError(t, m.Stop("collar-1"))
	assert.False(t, m.Tracking("collar-1"))
	assert.Empty(t, m.Sessions("collar-1"), "stop discards the path")
}

func TestManagerSave(t *testing.T) {
	// arrange
	archiver := &fakeArchiver{}
	m := newTestManager(archiver)
	require.NoError(t, m.Start("collar-1", &origin))
	far := north(origin, 100, 60)
	_, err := m.OnNewLocation("collar-1", far)
	require.NoError(t, err)

	// act
	s, err := m.Save(context.Background(), "collar-1")

	// assert
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "collar-1", s.Context)
	assert.Equal(t, origin.Timestamp, s.StartedAt)
	assert.Equal(t, time.Unix(1700000600, 0).UTC(), s.EndedAt)
	assert.InDelta(t, 100, s.DistanceMeters, 0.01)
	assert.False(t, m.Tracking("collar-1"))
	assert.Equal(t, []Session{s}, m.Sessions("collar-1"))
	assert.Equal(t, []Session{s}, archiver.saved)
}

func TestManagerSaveWithoutPointsUsesSessionStart(t *testing.T) {
	m := newTestManager(nil)
	require.NoError(t, m.Start("collar-1", nil))

	s, err := m.Save(context.Background(), "collar-1")

	require.NoError(t, err)
	assert.Empty(t, s.Points)
	assert.Equal(t, time.Unix(1700000600, 0).UTC(), s.StartedAt)
	assert.Zero(t, s.DistanceMeters)
}

func TestManagerArchiveFailureKeepsSession(t *testing.T) {
	m := newTestManager(&fakeArchiver{err: errors.New("db down")})
	require.NoError(t, m.Start("collar-1", &origin))

	s, err := m.Save(context.Background(), "collar-1")

	assert.EqualError(t, err, "db down")
	assert.Equal(t, []Session{s}, m.Sessions("collar-1"))
}
