package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/tokeyframes/internal/flush"
	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

// Compile-time interface assertion.
var _ flush.Sink = (*Store)(nil)

// Store is a PostgreSQL take store and a [flush.Sink]. It holds a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	resolution int
}

// WaveformMatch is one result of [Store.SimilarWaveforms].
type WaveformMatch struct {
	TakeID   int64     `json:"take_id"`
	Window   int       `json:"window"`
	Channel  int       `json:"channel"`
	Bins     []float32 `json:"bins"`
	Distance float64   `json:"distance"`
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string, resolution int) (*Store, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("postgres store: resolution %d must be positive", resolution)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, resolution); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool, resolution: resolution}, nil
}

// Name implements [flush.Sink].
func (s *Store) Name() string { return "postgres" }

// Ping checks the connection; used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements [flush.Sink]. The take, its rows and its snapshots are
// written in one transaction; dir is recorded for reference.
func (s *Store) Save(ctx context.Context, dir string, take keyframe.Take) error {
	_, err := s.SaveTake(ctx, dir, take)
	return err
}

// SaveTake stores take and returns its id.
func (s *Store) SaveTake(ctx context.Context, dir string, take keyframe.Take) (int64, error) {
	if take.Resolution != s.resolution && len(take.WaveformNames) > 0 {
		return 0, fmt.Errorf("postgres store: take resolution %d does not match schema resolution %d", take.Resolution, s.resolution)
	}

	// TEXT[] NOT NULL: pgx binds a nil slice as NULL.
	columns, names := take.Columns, take.WaveformNames
	if columns == nil {
		columns = []string{}
	}
	if names == nil {
		names = []string{}
	}

	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insertTake = `
			INSERT INTO takes
			    (start_tick, end_tick, keyframe_rate, resolution, columns, waveform_names, output_dir)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`
		if err := tx.QueryRow(ctx, insertTake,
			take.StartTick,
			take.EndTick,
			take.KeyframeRate,
			take.Resolution,
			columns,
			names,
			dir,
		).Scan(&id); err != nil {
			return fmt.Errorf("insert take: %w", err)
		}

		b := &pgx.Batch{}
		for w, row := range take.Keyframes {
			b.Queue(`INSERT INTO keyframes (take_id, seq, vals) VALUES ($1, $2, $3)`, id, w, row)
		}
		for w, snap := range take.Snapshots {
			for ch, bins := range snap {
				b.Queue(`INSERT INTO waveform_snapshots (take_id, seq, channel, bins) VALUES ($1, $2, $3, $4)`,
					id, w, ch, pgvector.NewVector(toFloat32(bins)))
			}
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("insert rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres store: save take: %w", err)
	}
	return id, nil
}

// Keyframes returns the rows of take id in window order.
func (s *Store) Keyframes(ctx context.Context, id int64) ([][]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT vals FROM keyframes WHERE take_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: keyframes: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[[]float64])
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan keyframes: %w", err)
	}
	return out, nil
}

// SimilarWaveforms finds the k stored snapshots of waveform channel whose
// bins are closest (Euclidean distance) to bins. A negative channel searches
// every channel. Results are ordered by ascending distance.
func (s *Store) SimilarWaveforms(ctx context.Context, channel int, bins []float64, k int) ([]WaveformMatch, error) {
	if len(bins) != s.resolution {
		return nil, fmt.Errorf("postgres store: query has %d bins, schema has %d", len(bins), s.resolution)
	}
	if k <= 0 {
		return []WaveformMatch{}, nil
	}

	const q = `
		SELECT take_id, seq, channel, bins, bins <-> $1 AS distance
		FROM   waveform_snapshots
		WHERE  $2 < 0 OR channel = $2
		ORDER  BY distance
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(toFloat32(bins)), channel, k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar waveforms: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (WaveformMatch, error) {
		var (
			m   WaveformMatch
			vec pgvector.Vector
		)
		if err := row.Scan(&m.TakeID, &m.Window, &m.Channel, &vec, &m.Distance); err != nil {
			return WaveformMatch{}, err
		}
		m.Bins = vec.Slice()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan matches: %w", err)
	}
	if results == nil {
		results = []WaveformMatch{}
	}
	return results, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
