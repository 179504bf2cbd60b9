package commission

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresRanks reads ranks from the seller_ranks table, which the ranking
// job of the surrounding system keeps up to date.
type PostgresRanks struct {
	db *sql.DB
}

// NewPostgresRanks creates a Postgres-backed RankSource.
func NewPostgresRanks(db *sql.DB) *PostgresRanks {
	return &PostgresRanks{db: db}
}

func (p *PostgresRanks) CurrentRank(ctx context.Context, sellerID string) (Rank, error) {
	var rank string
	err := p.db.QueryRowContext(ctx,
		`SELECT rank FROM seller_ranks WHERE seller_id = $1`, sellerID).Scan(&rank)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultRank, nil
	}
	if err != nil {
		return "", err
	}
	return ParseRank(rank), nil
}

var (
	_ RankSource = (*PostgresRanks)(nil)
	_ RankSource = (*StaticRanks)(nil)
)
