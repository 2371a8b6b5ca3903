package tracking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgArchive keeps saved sessions in Postgres
type PgArchive struct {
	pool *pgxpool.Pool
}

func NewPgArchive(ctx context.Context, dsn string) (*PgArchive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &PgArchive{pool: pool}, nil
}

func (a *PgArchive) Close() {
	a.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tracking_sessions (
	id              UUID PRIMARY KEY,
	context         TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ NOT NULL,
	distance_meters DOUBLE PRECISION NOT NULL
);
CREATE TABLE IF NOT EXISTS tracking_points (
	session_id UUID NOT NULL REFERENCES tracking_sessions (id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	latitude   DOUBLE PRECISION NOT NULL,
	longitude  DOUBLE PRECISION NOT NULL,
	recorded   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS tracking_sessions_context_idx ON tracking_sessions (context, started_at);
`

func (a *PgArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tracking schema: %w", err)
	}
	return nil
}

var pointColumns = []string{"session_id", "seq", "latitude", "longitude", "recorded"}

// Archive writes the session and its points in one transaction
func (a *PgArchive) Archive(ctx context.Context, s Session) error {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", s.ID, err)
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin archive of %s: %w", s.ID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tracking_sessions (id, context, started_at, ended_at, distance_meters)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		id, s.Context, s.StartedAt, s.EndedAt, s.DistanceMeters)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}

	if len(s.Points) > 0 {
		rows := make([][]any, len(s.Points))
		for i, p := range s.Points {
			rows[i] = []any{id, i, p.Lat, p.Lng, p.Timestamp}
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"tracking_points"}, pointColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("CopyFrom failed for %d points of %s: %w", len(rows), s.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", s.ID, err)
	}
	return nil
}

// ListSessions returns the archived sessions of a context with their points
func (a *PgArchive) ListSessions(ctx context.Context, contextKey string) ([]Session, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id::text, context, started_at, ended_at, distance_meters
		FROM tracking_sessions
		WHERE context = $1
		ORDER BY started_at`, contextKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions of %s: %w", contextKey, err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var s Session
		err := row.Scan(&s.ID, &s.Context, &s.StartedAt, &s.EndedAt, &s.DistanceMeters)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions of %s: %w", contextKey, err)
	}

	for i := range sessions {
		points, err := a.points(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].Points = points
	}
	return sessions, nil
}

func (a *PgArchive) points(ctx context.Context, sessionID string) ([]metrics.Point, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	rows, err := a.pool.Query(ctx, `
		SELECT latitude, longitude, recorded
		FROM tracking_points
		WHERE session_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load points of %s: %w", sessionID, err)
	}
	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (metrics.Point, error) {
		var p metrics.Point
		err := row.Scan(&p.Lat, &p.Lng, &p.Timestamp)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan points of %s: %w", sessionID, err)
	}
	return points, nil
}
