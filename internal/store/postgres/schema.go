// Package postgres stores finished takes in PostgreSQL.
//
// Keyframe rows are kept as DOUBLE PRECISION arrays. Waveform snapshots are
// kept as pgvector vectors, one per window and waveform channel, so that
// [Store.SimilarWaveforms] can find the windows whose captured cycle is
// closest to a given shape. The pgvector extension must be available in the
// target database; [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 64)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, "", take)
//	matches, _ := store.SimilarWaveforms(ctx, 0, bins, 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Takes and keyframe rows
// ─────────────────────────────────────────────────────────────────────────────

const ddlTakes = `
CREATE TABLE IF NOT EXISTS takes (
    id             BIGSERIAL         PRIMARY KEY,
    start_tick     BIGINT            NOT NULL,
    end_tick       BIGINT            NOT NULL,
    keyframe_rate  DOUBLE PRECISION  NOT NULL,
    resolution     INTEGER           NOT NULL,
    columns        TEXT[]            NOT NULL,
    waveform_names TEXT[]            NOT NULL,
    output_dir     TEXT              NOT NULL DEFAULT '',
    saved_at       TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS keyframes (
    take_id  BIGINT              NOT NULL REFERENCES takes (id) ON DELETE CASCADE,
    seq      INTEGER             NOT NULL,
    vals     DOUBLE PRECISION[]  NOT NULL,
    PRIMARY KEY (take_id, seq)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Waveform snapshots
// ─────────────────────────────────────────────────────────────────────────────

// ddlSnapshots returns the snapshot DDL with the waveform resolution
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSnapshots(resolution int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS waveform_snapshots (
    take_id  BIGINT      NOT NULL REFERENCES takes (id) ON DELETE CASCADE,
    seq      INTEGER     NOT NULL,
    channel  INTEGER     NOT NULL,
    bins     vector(%d)  NOT NULL,
    PRIMARY KEY (take_id, seq, channel)
);

CREATE INDEX IF NOT EXISTS idx_waveform_snapshots_channel
    ON waveform_snapshots (channel);

CREATE INDEX IF NOT EXISTS idx_waveform_snapshots_bins
    ON waveform_snapshots USING hnsw (bins vector_l2_ops);
`, resolution)
}

// Migrate creates or ensures all required tables and extensions exist.
// It is idempotent and safe to call on every start.
//
// resolution must match the recorder's waveform resolution. Changing it after
// the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, resolution int) error {
	statements := []string{
		ddlTakes,
		ddlSnapshots(resolution),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
