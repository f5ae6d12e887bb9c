package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RFQRepo reads the buyer RFQ table owned by the catalog service.
type RFQRepo struct {
	pool *pgxpool.Pool
}

func NewRFQRepo(pool *pgxpool.Pool) *RFQRepo {
	return &RFQRepo{pool: pool}
}

func (r *RFQRepo) Exists(ctx context.Context, rfqID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rfqs WHERE id::text = $1)`, rfqID).Scan(&exists)
	return exists, err
}
