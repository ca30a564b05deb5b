package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// StrategyStore implements domain.StrategyStore. The full strategy is kept
// as a JSONB document; status, pair and timestamps are copied into columns
// for filtering.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// Save upserts st. A row holding a higher version is left untouched so a
// late writer cannot roll a strategy back.
func (s *StrategyStore) Save(ctx context.Context, st domain.Strategy) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy %s: %w", st.ID, err)
	}
	const query = `
		INSERT INTO strategies (id, pair_id, type, mode, status, version, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			pair_id    = EXCLUDED.pair_id,
			type       = EXCLUDED.type,
			mode       = EXCLUDED.mode,
			status     = EXCLUDED.status,
			version    = EXCLUDED.version,
			doc        = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
		WHERE strategies.version <= EXCLUDED.version`
	_, err = s.pool.Exec(ctx, query,
		st.ID, st.PairID, string(st.Type), string(st.Mode), string(st.Status), st.Version, doc, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save strategy %s: %w", st.ID, unavailable(err))
	}
	return nil
}

func (s *StrategyStore) Load(ctx context.Context, id string) (domain.Strategy, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM strategies WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Strategy{}, fmt.Errorf("postgres: strategy %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: load strategy %s: %w", id, unavailable(err))
	}
	var st domain.Strategy
	if err := json.Unmarshal(doc, &st); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: unmarshal strategy %s: %w", id, err)
	}
	return st, nil
}

func (s *StrategyStore) List(ctx context.Context, filter domain.StrategyFilter) ([]domain.Strategy, error) {
	query, args := listStrategiesQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", unavailable(err))
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		var st domain.Strategy
		if err := json.Unmarshal(doc, &st); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies rows: %w", unavailable(err))
	}
	return out, nil
}

// Delete removes strategies by id, returning how many existed.
func (s *StrategyStore) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM strategies WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete strategies: %w", unavailable(err))
	}
	return tag.RowsAffected(), nil
}

// listStrategiesQuery builds the filtered, newest-first listing query.
func listStrategiesQuery(f domain.StrategyFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.PairID != "" {
		where = append(where, "pair_id = "+arg(f.PairID))
	}
	if f.Since != nil {
		where = append(where, "updated_at >= "+arg(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "updated_at <= "+arg(*f.Until))
	}

	query := "SELECT doc FROM strategies"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}
	return query, args
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
