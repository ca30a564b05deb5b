package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StrategyFilter narrows strategy listings.
type StrategyFilter struct {
	Statuses []StrategyStatus
	PairID   string
	ListOpts
}

// Matches reports whether s passes the filter's status and pair criteria.
func (f StrategyFilter) Matches(s Strategy) bool {
	if f.PairID != "" && s.PairID != f.PairID {
		return false
	}
	if f.Since != nil && s.UpdatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && s.UpdatedAt.After(*f.Until) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// StrategyStore is the durable representation of strategies. A failing store
// surfaces ErrPersistenceUnavailable.
type StrategyStore interface {
	Save(ctx context.Context, s Strategy) error
	Load(ctx context.Context, id string) (Strategy, error)
	List(ctx context.Context, filter StrategyFilter) ([]Strategy, error)
}

// PairSource is the read path into the pairing service.
type PairSource interface {
	GetTrackedPairs(ctx context.Context) ([]MarketPair, error)
	GetPair(ctx context.Context, id string) (MarketPair, error)
}

// PairStore persists market pairs and their monitoring metadata.
type PairStore interface {
	PairSource
	Upsert(ctx context.Context, p MarketPair) error
	UpdateSpread(ctx context.Context, id string, spread float64, at time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
