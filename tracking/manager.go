package tracking

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
	"github.com/gwc-sys/wildlife-tracking-Client-side/stats"
	"github.com/rs/zerolog/log"
)

// DefaultMinDistance is the movement in meters below which a new location
// is treated as jitter
const DefaultMinDistance = 10.0

var (
	ErrAlreadyTracking = errors.New("tracking: session already running")
	ErrNotTracking     = errors.New("tracking: no session running")
)

// Session is a saved path
type Session struct {
	ID             string          `json:"id"`
	Context        string          `json:"context"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        time.Time       `json:"endedAt"`
	DistanceMeters float64         `json:"distanceMeters"`
	Points         []metrics.Point `json:"points"`
}

// Archiver persists saved sessions beyond the process lifetime
type Archiver interface {
	Archive(ctx context.Context, s Session) error
}

type active struct {
	startedAt time.Time
	points    []metrics.Point
}

// Manager runs one tracking session per context (usually a device id).
// A context is Idle until Start and goes back to Idle on Stop or Save.
type Manager struct {
	minDistance float64
	archiver    Archiver
	now         func() time.Time

	mu       sync.Mutex
	running  map[string]*active
	sessions map[string][]Session
}

// NewManager returns a manager; archiver may be nil
func NewManager(minDistance float64, archiver Archiver) *Manager {
	if minDistance <= 0 {
		minDistance = DefaultMinDistance
	}
	return &Manager{
		minDistance: minDistance,
		archiver:    archiver,
		now:         time.Now,
		running:     make(map[string]*active),
		sessions:    make(map[string][]Session),
	}
}

// Start begins a session, seeded with current when known
func (m *Manager) Start(key string, current *metrics.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[key]; ok {
		return ErrAlreadyTracking
	}

	a := &active{startedAt: m.now()}
	if current != nil {
		a.points = append(a.points, *current)
	}
	m.running[key] = a
	log.Info().Str("context", key).Msg("Tracking started")
	return nil
}

// OnNewLocation appends p when it is farther than the minimum distance from
// the last point. It reports whether p was appended.
func (m *Manager) OnNewLocation(key string, p metrics.Point) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.running[key]
	if !ok {
		return false, ErrNotTracking
	}

	if n := len(a.points); n > 0 && metrics.Haversine(a.points[n-1], p) <= m.minDistance {
		return false, nil
	}
	a.points = append(a.points, p)
	stats.TrackingPoints.Add(1)
	return true, nil
}

// Stop discards the running path
func (m *Manager) Stop(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.running[key]
	if !ok {
		return ErrNotTracking
	}
	delete(m.running, key)
	log.Info().Str("context", key).Msgf("Tracking stopped, %d points discarded", len(a.points))
	return nil
}

// Save ends the running session and keeps it. The session is kept even when
// the archiver fails; the archive error is returned alongside it.
func (m *Manager) Save(ctx context.Context, key string) (Session, error) {
	m.mu.Lock()
	a, ok := m.running[key]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrNotTracking
	}
	delete(m.running, key)

	s := Session{
		ID:             uuid.NewString(),
		Context:        key,
		StartedAt:      a.startedAt,
		EndedAt:        m.now(),
		DistanceMeters: metrics.Distance(a.points),
		Points:         a.points,
	}
	if len(a.points) > 0 {
		s.StartedAt = a.points[0].Timestamp
	}
	m.sessions[key] = append(m.sessions[key], s)
	m.mu.Unlock()

	stats.SessionsSaved.Add(1)
	log.Info().Str("context", key).Str("session", s.ID).
		Msgf("Tracking saved, %d points over %.0f m", len(s.Points), s.DistanceMeters)

	if m.archiver == nil {
		return s, nil
	}
	if err := m.archiver.Archive(ctx, s); err != nil {
		stats.ArchiveFailures.Add(1)
		log.Error().Err(err).Str("session", s.ID).Msg("Failed to archive session")
		return s, err
	}
	return s, nil
}

// Tracking reports whether a session is running for key
func (m *Manager) Tracking(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[key]
	return ok
}

// Path returns a copy of the running path
func (m *Manager) Path(key string) ([]metrics.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.running[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(a.points), true
}

// Sessions returns the sessions saved for key, oldest first
func (m *Manager) Sessions(key string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sessions[key])
}
