package gazelog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlGazeSamples = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS gaze_samples (
    id            BIGSERIAL         PRIMARY KEY,
    session_id    TEXT              NOT NULL,
    frame_number  BIGINT            NOT NULL DEFAULT 0,
    captured_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    yaw           DOUBLE PRECISION  NOT NULL,
    pitch         DOUBLE PRECISION  NOT NULL,
    yaw_lower     DOUBLE PRECISION  NOT NULL,
    pitch_lower   DOUBLE PRECISION  NOT NULL,
    yaw_upper     DOUBLE PRECISION  NOT NULL,
    pitch_upper   DOUBLE PRECISION  NOT NULL,
    x             DOUBLE PRECISION,
    y             DOUBLE PRECISION,
    direction     vector(3)         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gaze_samples_session
    ON gaze_samples (session_id, captured_at);

CREATE INDEX IF NOT EXISTS idx_gaze_samples_direction
    ON gaze_samples USING hnsw (direction vector_cosine_ops);
`

// Migrate creates the gaze sample table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlGazeSamples); err != nil {
		return fmt.Errorf("gazelog migrate: %w", err)
	}
	return nil
}
