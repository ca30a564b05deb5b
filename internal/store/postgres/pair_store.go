package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// PairStore implements domain.PairStore over the market_pairs table.
type PairStore struct {
	pool *pgxpool.Pool
}

// NewPairStore creates a PairStore backed by pool.
func NewPairStore(pool *pgxpool.Pool) *PairStore {
	return &PairStore{pool: pool}
}

const pairSelectCols = `id, a_venue, a_market_id, a_outcome, b_venue, b_market_id, b_outcome,
	kind, correlation, price_offset, last_spread, alert_threshold, active, updated_at`

func (s *PairStore) GetTrackedPairs(ctx context.Context) ([]domain.MarketPair, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pairSelectCols+` FROM market_pairs WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tracked pairs: %w", unavailable(err))
	}
	defer rows.Close()

	var out []domain.MarketPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pair: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list tracked pairs rows: %w", unavailable(err))
	}
	return out, nil
}

func (s *PairStore) GetPair(ctx context.Context, id string) (domain.MarketPair, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pairSelectCols+` FROM market_pairs WHERE id = $1`, id)
	p, err := scanPair(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketPair{}, fmt.Errorf("postgres: pair %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.MarketPair{}, fmt.Errorf("postgres: get pair %s: %w", id, unavailable(err))
	}
	return p, nil
}

// Upsert inserts or replaces a pair. An empty id is derived from the legs.
func (s *PairStore) Upsert(ctx context.Context, p domain.MarketPair) error {
	if p.ID == "" {
		p.ID = domain.PairID(p.A, p.B)
	}
	if p.Kind == "" {
		p.Kind = domain.PairSameOutcome
	}
	const query = `
		INSERT INTO market_pairs (` + pairSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			a_venue         = EXCLUDED.a_venue,
			a_market_id     = EXCLUDED.a_market_id,
			a_outcome       = EXCLUDED.a_outcome,
			b_venue         = EXCLUDED.b_venue,
			b_market_id     = EXCLUDED.b_market_id,
			b_outcome       = EXCLUDED.b_outcome,
			kind            = EXCLUDED.kind,
			correlation     = EXCLUDED.correlation,
			price_offset    = EXCLUDED.price_offset,
			alert_threshold = EXCLUDED.alert_threshold,
			active          = EXCLUDED.active,
			updated_at      = NOW()`
	_, err := s.pool.Exec(ctx, query,
		p.ID,
		string(p.A.Venue), p.A.MarketID, string(p.A.Outcome),
		string(p.B.Venue), p.B.MarketID, string(p.B.Outcome),
		string(p.Kind), p.Correlation, p.PriceOffset, p.LastSpread, p.AlertThreshold, p.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert pair %s: %w", p.ID, unavailable(err))
	}
	return nil
}

// UpdateSpread records the latest observed spread.
func (s *PairStore) UpdateSpread(ctx context.Context, id string, spread float64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE market_pairs SET last_spread = $2, updated_at = $3 WHERE id = $1`, id, spread, at)
	if err != nil {
		return fmt.Errorf("postgres: update spread %s: %w", id, unavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: pair %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanPair(row pgx.Row) (domain.MarketPair, error) {
	var (
		p                    domain.MarketPair
		aVenue, aOut, bVenue string
		bOut, kind           string
	)
	err := row.Scan(
		&p.ID,
		&aVenue, &p.A.MarketID, &aOut,
		&bVenue, &p.B.MarketID, &bOut,
		&kind, &p.Correlation, &p.PriceOffset, &p.LastSpread, &p.AlertThreshold, &p.Active, &p.UpdatedAt,
	)
	if err != nil {
		return domain.MarketPair{}, err
	}
	p.A.Venue, p.A.Outcome = domain.Venue(aVenue), domain.Outcome(aOut)
	p.B.Venue, p.B.Outcome = domain.Venue(bVenue), domain.Outcome(bOut)
	p.Kind = domain.PairKind(kind)
	return p, nil
}

var _ domain.PairStore = (*PairStore)(nil)
