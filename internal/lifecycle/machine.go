package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Machine is the single writer for strategy state. Each strategy has its own
// lock, so strategies never serialize on each other; readers receive deep
// copies taken under that lock.
type Machine struct {
	store  domain.StrategyStore
	audit  domain.AuditStore
	events domain.EventPublisher
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	healthy atomic.Bool

	retention time.Duration
	now       func() time.Time
}

type entry struct {
	mu sync.Mutex
	s  domain.Strategy
}

// Option configures a Machine.
type Option func(*Machine)

// WithAudit records every transition in the audit log.
func WithAudit(a domain.AuditStore) Option { return func(m *Machine) { m.audit = a } }

// WithEvents publishes transitions and leg updates.
func WithEvents(p domain.EventPublisher) Option { return func(m *Machine) { m.events = p } }

// WithRetention sets how long persisted terminal strategies stay in memory.
func WithRetention(d time.Duration) Option { return func(m *Machine) { m.retention = d } }

// NewMachine creates a state machine persisting through store.
func NewMachine(store domain.StrategyStore, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:     store,
		logger:    logger.With(slog.String("component", "state_machine")),
		entries:   make(map[string]*entry),
		dirty:     make(map[string]struct{}),
		retention: time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
	}
	m.healthy.Store(true)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Healthy reports whether every write has reached the store.
func (m *Machine) Healthy() bool { return m.healthy.Load() }

// Propose validates s and records it as PROPOSED.
func (m *Machine) Propose(ctx context.Context, s domain.Strategy) (domain.Strategy, error) {
	if err := Validate(s); err != nil {
		return domain.Strategy{}, err
	}
	now := m.now()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.Status = domain.StatusProposed
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	s.History = nil
	s.Rejection = nil
	for i := range s.Legs {
		s.Legs[i].Index = i
		s.Legs[i].State = domain.LegPlanned
	}

	m.mu.Lock()
	if _, ok := m.entries[s.ID]; ok {
		m.mu.Unlock()
		return domain.Strategy{}, fmt.Errorf("lifecycle: propose %s: %w", s.ID, domain.ErrAlreadyExists)
	}
	e := &entry{s: s.Clone()}
	m.entries[s.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	m.persist(ctx, e.s)
	m.publish(domain.StrategyEvent{Kind: domain.EventTransition, StrategyID: s.ID, To: domain.StatusProposed, At: now})
	m.record(ctx, "strategy.proposed", map[string]any{"strategy_id": s.ID, "pair_id": s.PairID, "mode": string(s.Mode)})
	return e.s.Clone(), nil
}

// Get returns a consistent snapshot of strategy id.
func (m *Machine) Get(ctx context.Context, id string) (domain.Strategy, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// List returns strategies matching filter, newest first. In-memory state
// wins over the store for strategies this process is tracking.
func (m *Machine) List(ctx context.Context, filter domain.StrategyFilter) ([]domain.Strategy, error) {
	byID := make(map[string]domain.Strategy)
	stored, err := m.store.List(ctx, domain.StrategyFilter{Statuses: filter.Statuses, PairID: filter.PairID})
	if err != nil {
		m.logger.Warn("store list failed, serving in-memory strategies", slog.String("error", err.Error()))
	}
	for _, s := range stored {
		byID[s.ID] = s
	}
	for _, s := range m.snapshots() {
		byID[s.ID] = s
	}

	out := make([]domain.Strategy, 0, len(byID))
	for _, s := range byID {
		if filter.Matches(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Active returns snapshots of in-memory strategies in the given statuses.
func (m *Machine) Active(statuses ...domain.StrategyStatus) []domain.Strategy {
	f := domain.StrategyFilter{Statuses: statuses}
	var out []domain.Strategy
	for _, s := range m.snapshots() {
		if f.Matches(s) {
			out = append(out, s)
		}
	}
	return out
}

// Transition moves strategy id to status to. mutate, if non-nil, runs under
// the strategy lock before the status change is committed. Re-applying the
// current terminal status is a no-op so that cancels are idempotent.
func (m *Machine) Transition(ctx context.Context, id string, to domain.StrategyStatus, rej *domain.Rejection, mutate func(*domain.Strategy) error) (domain.Strategy, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.s.Status
	if from == to && to.Terminal() {
		return e.s.Clone(), nil
	}
	if !CanTransition(from, to) {
		return e.s.Clone(), fmt.Errorf("lifecycle: %s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}

	next := e.s.Clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return e.s.Clone(), err
		}
	}
	now := m.now()
	next.Status = to
	if rej != nil {
		r := *rej
		next.Rejection = &r
	}
	switch to {
	case domain.StatusActive:
		next.ActivatedAt = &now
	case domain.StatusClosed, domain.StatusCancelled, domain.StatusRejected:
		next.ClosedAt = &now
		next.Decision = nil
		next.AwaitingContinue = false
	}
	var reason domain.ReasonCode
	if rej != nil {
		reason = rej.Code
	}
	next.History = append(next.History, domain.Transition{From: from, To: to, Reason: reason, At: now})
	next.Version++
	next.UpdatedAt = now
	e.s = next

	m.persist(ctx, next)
	m.publish(domain.StrategyEvent{Kind: domain.EventTransition, StrategyID: id, From: from, To: to, Reason: reason, At: now})
	detail := map[string]any{"strategy_id": id, "from": string(from), "to": string(to)}
	if rej != nil {
		detail["reason"] = string(rej.Code)
		detail["leg"] = rej.Leg
		detail["detail"] = rej.Detail
	}
	m.record(ctx, "strategy.transition", detail)
	m.logger.Info("strategy transition",
		slog.String("strategy_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", string(reason)),
	)
	return next.Clone(), nil
}

// Update applies a mutation that does not change status. Terminal
// strategies are immutable.
func (m *Machine) Update(ctx context.Context, id string, mutate func(*domain.Strategy) error) (domain.Strategy, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.Status.Terminal() {
		return e.s.Clone(), fmt.Errorf("lifecycle: update %s in %s: %w", id, e.s.Status, domain.ErrLegsImmutable)
	}
	next := e.s.Clone()
	if err := mutate(&next); err != nil {
		return e.s.Clone(), err
	}
	next.Status = e.s.Status
	next.Version++
	next.UpdatedAt = m.now()
	e.s = next
	m.persist(ctx, next)
	return next.Clone(), nil
}

// UpdateLeg records the latest state of one leg and publishes it.
func (m *Machine) UpdateLeg(ctx context.Context, id string, leg domain.StrategyLeg) error {
	_, err := m.Update(ctx, id, func(s *domain.Strategy) error {
		if leg.Index < 0 || leg.Index >= len(s.Legs) {
			return fmt.Errorf("lifecycle: leg %d out of range: %w", leg.Index, domain.ErrInvalidStrategy)
		}
		s.Legs[leg.Index] = leg
		return nil
	})
	if err != nil {
		return err
	}
	l := leg
	m.publish(domain.StrategyEvent{Kind: domain.EventLeg, StrategyID: id, Leg: &l, At: m.now()})
	return nil
}

// AmendPrices changes leg target prices. Only PROPOSED strategies may be
// amended, and composition never changes.
func (m *Machine) AmendPrices(ctx context.Context, id string, prices map[int]float64) (domain.Strategy, error) {
	return m.Update(ctx, id, func(s *domain.Strategy) error {
		if s.Status != domain.StatusProposed {
			return fmt.Errorf("lifecycle: amend %s in %s: %w", id, s.Status, domain.ErrLegsImmutable)
		}
		for idx, p := range prices {
			if idx < 0 || idx >= len(s.Legs) {
				return fmt.Errorf("lifecycle: leg %d out of range: %w", idx, domain.ErrInvalidStrategy)
			}
			if p <= 0 || p >= 1 {
				return fmt.Errorf("lifecycle: leg %d: %w", idx, domain.ErrInvalidPrice)
			}
			s.Legs[idx].TargetPrice = p
		}
		return nil
	})
}

// Publish forwards an out-of-band event such as a decision point.
func (m *Machine) Publish(ev domain.StrategyEvent) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.publish(ev)
}

func (m *Machine) lookup(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}
	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	e = &entry{s: s}
	m.entries[id] = e
	return e, nil
}

func (m *Machine) snapshots() []domain.Strategy {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]domain.Strategy, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.Clone())
		e.mu.Unlock()
	}
	return out
}

func (m *Machine) publish(ev domain.StrategyEvent) {
	if m.events != nil {
		m.events.PublishEvent(ev)
	}
}

func (m *Machine) record(ctx context.Context, event string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
