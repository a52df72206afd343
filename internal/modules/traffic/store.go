// README: Segment snapshot store backed by PostgreSQL.
package traffic

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// UpsertSegments writes all snapshots in one batch.
func (s *Store) UpsertSegments(ctx context.Context, snaps []Snapshot) error {
	batch := &pgx.Batch{}
	for _, snap := range snaps {
		batch.Queue(`
			INSERT INTO road_segments (
				segment_id, center_lat, center_lng, current_speed_kmh, baseline_kmh,
				congestion, sample_count, history_count, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (segment_id) DO UPDATE SET
				current_speed_kmh = EXCLUDED.current_speed_kmh,
				baseline_kmh = EXCLUDED.baseline_kmh,
				congestion = EXCLUDED.congestion,
				sample_count = EXCLUDED.sample_count,
				history_count = EXCLUDED.history_count,
				updated_at = EXCLUDED.updated_at`,
			string(snap.ID),
			snap.Center.Lat, snap.Center.Lng,
			snap.SpeedKmh,
			snap.BaselineKmh,
			string(snap.Level),
			snap.SampleCount,
			snap.HistoryCount,
			snap.UpdatedAt,
		)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

// LoadBaselines returns every computed baseline.
func (s *Store) LoadBaselines(ctx context.Context) (map[SegmentID]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT segment_id, baseline_kmh
		FROM road_segments
		WHERE baseline_kmh > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[SegmentID]float64)
	for rows.Next() {
		var id string
		var kmh float64
		if err := rows.Scan(&id, &kmh); err != nil {
			return nil, err
		}
		out[SegmentID(id)] = kmh
	}
	return out, rows.Err()
}
