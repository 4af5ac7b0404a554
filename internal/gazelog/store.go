// Package gazelog persists gaze samples to PostgreSQL.
//
// Every sample stores the predicted angles, their uncertainty bounds, the
// marker position in the RGB preview, and the unit gaze direction as a
// pgvector vector(3). The direction column carries an HNSW cosine index so
// that [Store.Nearest] can find the moments the wearer looked in a similar
// direction.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
package gazelog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/MrWong99/ariastream/internal/gazeoverlay"
	"github.com/MrWong99/ariastream/pkg/gazemodel"
)

var _ gazeoverlay.GazeSink = (*Store)(nil)

// Store writes the samples of one overlay session. It is safe for
// concurrent use.
type Store struct {
	pool      *pgxpool.Pool
	sessionID string
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate]. Samples are tagged with sessionID.
func NewStore(ctx context.Context, dsn, sessionID string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("gazelog: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gazelog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("gazelog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("gazelog: %w", err)
	}
	return &Store{pool: pool, sessionID: sessionID}, nil
}

// SessionID returns the tag written with every sample.
func (s *Store) SessionID() string { return s.sessionID }

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// direction converts a gaze ray to a pgvector value.
func direction(v r3.Vec) pgvector.Vector {
	return pgvector.NewVector([]float32{float32(v.X), float32(v.Y), float32(v.Z)})
}

// RecordGaze implements [gazeoverlay.GazeSink].
func (s *Store) RecordGaze(ctx context.Context, sm gazeoverlay.Sample) error {
	const q = `
		INSERT INTO gaze_samples
		    (session_id, frame_number, captured_at, yaw, pitch,
		     yaw_lower, pitch_lower, yaw_upper, pitch_upper, x, y, direction)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	var x, y *float64
	if sm.OnImage {
		x, y = &sm.X, &sm.Y
	}
	p := sm.Prediction
	_, err := s.pool.Exec(ctx, q,
		s.sessionID,
		int64(sm.FrameNumber),
		sm.Time,
		p.Yaw, p.Pitch,
		p.Lower[0], p.Lower[1],
		p.Upper[0], p.Upper[1],
		x, y,
		direction(sm.Direction),
	)
	if err != nil {
		return fmt.Errorf("gazelog: record: %w", err)
	}
	return nil
}

// Result is a stored sample returned by a query.
type Result struct {
	SessionID   string
	FrameNumber uint64
	Time        time.Time
	Prediction  gazemodel.Prediction
	Direction   r3.Vec

	// OnImage is false when no marker position was stored.
	OnImage bool
	X, Y    float64

	// Distance is the cosine distance to the query direction.
	Distance float64
}

// Nearest returns up to k samples, from any session, whose gaze direction is
// closest to dir by cosine distance. Results are ordered most similar first.
func (s *Store) Nearest(ctx context.Context, dir r3.Vec, k int) ([]Result, error) {
	const q = `
		SELECT session_id, frame_number, captured_at, yaw, pitch,
		       yaw_lower, pitch_lower, yaw_upper, pitch_upper, x, y, direction,
		       direction <=> $1 AS distance
		FROM   gaze_samples
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, direction(dir), k)
	if err != nil {
		return nil, fmt.Errorf("gazelog: nearest: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var (
			r     Result
			frame int64
			x, y  *float64
			vec   pgvector.Vector
		)
		if err := row.Scan(
			&r.SessionID, &frame, &r.Time,
			&r.Prediction.Yaw, &r.Prediction.Pitch,
			&r.Prediction.Lower[0], &r.Prediction.Lower[1],
			&r.Prediction.Upper[0], &r.Prediction.Upper[1],
			&x, &y, &vec, &r.Distance,
		); err != nil {
			return Result{}, err
		}
		r.FrameNumber = uint64(frame)
		if x != nil && y != nil {
			r.OnImage, r.X, r.Y = true, *x, *y
		}
		if v := vec.Slice(); len(v) == 3 {
			r.Direction = r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gazelog: nearest: scan: %w", err)
	}
	return results, nil
}

// Count returns the number of samples stored for this store's session.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM gaze_samples WHERE session_id = $1`, s.sessionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("gazelog: count: %w", err)
	}
	return n, nil
}
