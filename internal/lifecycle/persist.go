package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const saveTimeout = 3 * time.Second

// persist writes s through to the store. A failure marks the machine
// unhealthy and leaves s dirty; in-memory state is never rolled back.
func (m *Machine) persist(ctx context.Context, s domain.Strategy) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	err := m.store.Save(sctx, s)
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	if err != nil {
		m.dirty[s.ID] = struct{}{}
		if m.healthy.Swap(false) {
			m.logger.Error("persistence unavailable, refusing new admissions",
				slog.String("strategy_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	delete(m.dirty, s.ID)
	if len(m.dirty) == 0 && !m.healthy.Load() {
		m.healthy.Store(true)
		m.logger.Info("persistence recovered")
	}
}

// Flush retries every dirty strategy. It returns ErrPersistenceUnavailable
// while any write is still outstanding.
func (m *Machine) Flush(ctx context.Context) error {
	m.dirtyMu.Lock()
	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.dirtyMu.Unlock()

	for _, id := range ids {
		m.mu.RLock()
		e, ok := m.entries[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		m.persist(ctx, e.s)
		e.mu.Unlock()
	}

	if len(ids) == 0 && !m.healthy.Load() {
		m.healthy.Store(true)
	}
	if !m.healthy.Load() {
		return domain.ErrPersistenceUnavailable
	}
	return nil
}

// Run flushes dirty strategies and evicts settled ones until ctx is done.
func (m *Machine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.Flush(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, domain.ErrPersistenceUnavailable) {
				m.logger.Warn("final flush failed", slog.String("error", err.Error()))
			}
			return ctx.Err()
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil {
				m.logger.Warn("flush pending strategies", slog.String("error", err.Error()))
			}
			m.evict()
		}
	}
}

// evict drops persisted terminal strategies older than the retention window.
func (m *Machine) evict() {
	cutoff := m.now().Add(-m.retention)
	m.dirtyMu.Lock()
	pending := make(map[string]struct{}, len(m.dirty))
	for id := range m.dirty {
		pending[id] = struct{}{}
	}
	m.dirtyMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if _, ok := pending[id]; ok {
			continue
		}
		e.mu.Lock()
		drop := e.s.Status.Terminal() && e.s.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if drop {
			delete(m.entries, id)
		}
	}
}
