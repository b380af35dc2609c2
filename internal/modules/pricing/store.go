// README: Pricing store reads vehicle rate overrides from PostgreSQL.
package pricing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"rideline/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ListRates(ctx context.Context) ([]Rate, error) {
	rows, err := s.db.Query(ctx, `SELECT vehicle_type, multiplier FROM vehicle_rates`)
	if err != nil {
		return nil, fmt.Errorf("query vehicle_rates: %w", err)
	}
	defer rows.Close()

	var out []Rate
	for rows.Next() {
		var r Rate
		var v string
		if err := rows.Scan(&v, &r.Multiplier); err != nil {
			return nil, fmt.Errorf("scan vehicle_rates: %w", err)
		}
		r.VehicleType = types.VehicleType(v)
		out = append(out, r)
	}
	return out, rows.Err()
}
