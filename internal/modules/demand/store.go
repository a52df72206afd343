// README: Route demand snapshot store backed by PostgreSQL.
package demand

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// ReplaceAll swaps the stored snapshot for entries in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, entries []Entry) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM route_demand`); err != nil {
			return fmt.Errorf("clear route demand: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`
				INSERT INTO route_demand (
					route_key, from_lat, from_lng, to_lat, to_lng,
					pending_count, demand_score, is_hot, computed_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				e.RouteKey,
				e.From.Lat, e.From.Lng,
				e.To.Lat, e.To.Lng,
				e.PendingCount,
				e.DemandScore,
				e.IsHot,
				e.ComputedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT route_key, from_lat, from_lng, to_lat, to_lng,
			pending_count, demand_score, is_hot, computed_at
		FROM route_demand
		ORDER BY route_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.RouteKey,
			&e.From.Lat, &e.From.Lng,
			&e.To.Lat, &e.To.Lng,
			&e.PendingCount,
			&e.DemandScore,
			&e.IsHot,
			&e.ComputedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
