// Package scanner periodically evaluates tracked market pairs and proposes
// strategies for the ones that clear the hurdle. It never talks to venues.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/evaluator"
	"github.com/alanyoungcy/arbengine/internal/service"
)

// Proposer records an evaluated opportunity as a PROPOSED strategy.
type Proposer interface {
	ProposeOpportunity(ctx context.Context, opp *domain.Opportunity, tmpl service.Template) (domain.Strategy, error)
}

// SpreadRecorder persists the last observed spread of a pair.
type SpreadRecorder interface {
	UpdateSpread(ctx context.Context, id string, spread float64, at time.Time) error
}

// Config tunes the scan loop.
type Config struct {
	Interval      time.Duration
	Cooldown      time.Duration
	AlertCooldown time.Duration
	Sizing        domain.SizingPolicy
	Template      service.Template
}

// Scanner is the opportunity scan loop.
type Scanner struct {
	pairs    domain.PairSource
	quotes   domain.QuoteSource
	eval     *evaluator.Evaluator
	proposer Proposer
	cfg      Config
	logger   *slog.Logger

	spreads SpreadRecorder
	locks   domain.LockManager
	alerts  domain.Alerter

	proposed *Cooldown
	alerted  *Cooldown
}

// New creates a Scanner.
func New(pairs domain.PairSource, quotes domain.QuoteSource, eval *evaluator.Evaluator, proposer Proposer, cfg Config, logger *slog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 5 * time.Minute
	}
	if cfg.Sizing.Amount <= 0 {
		cfg.Sizing = domain.SizingPolicy{Kind: domain.SizingFixedUSD, Amount: 100}
	}
	return &Scanner{
		pairs:    pairs,
		quotes:   quotes,
		eval:     eval,
		proposer: proposer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "scanner")),
		proposed: NewCooldown(cfg.Cooldown),
		alerted:  NewCooldown(cfg.AlertCooldown),
	}
}

// SetSpreadRecorder stores each pair's observed spread.
func (s *Scanner) SetSpreadRecorder(r SpreadRecorder) { s.spreads = r }

// SetLockManager coordinates proposals across scanner instances.
func (s *Scanner) SetLockManager(l domain.LockManager) { s.locks = l }

// SetAlerter enables spread alerts.
func (s *Scanner) SetAlerter(a domain.Alerter) { s.alerts = a }

// Run scans on every tick until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("scanner started", slog.Duration("interval", s.cfg.Interval))
	defer s.logger.Info("scanner stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				s.logger.Warn("scan failed", slog.String("error", err.Error()))
			}
			s.proposed.Cleanup()
			s.alerted.Cleanup()
		}
	}
}

// Scan evaluates every tracked pair once and returns the strategies it proposed.
func (s *Scanner) Scan(ctx context.Context) ([]domain.Strategy, error) {
	pairs, err := s.pairs.GetTrackedPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: tracked pairs: %w", err)
	}
	var out []domain.Strategy
	for _, pair := range pairs {
		st, ok := s.scanPair(ctx, pair)
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Scanner) scanPair(ctx context.Context, pair domain.MarketPair) (domain.Strategy, bool) {
	log := s.logger.With(slog.String("pair_id", pair.ID))
	bookA, err := s.quotes.Book(ctx, pair.A)
	if err != nil {
		log.Debug("no book", slog.String("market", pair.A.Key()), slog.String("error", err.Error()))
		return domain.Strategy{}, false
	}
	bookB, err := s.quotes.Book(ctx, pair.B)
	if err != nil {
		log.Debug("no book", slog.String("market", pair.B.Key()), slog.String("error", err.Error()))
		return domain.Strategy{}, false
	}
	s.observeSpread(ctx, pair, bookA, bookB)

	opp := s.evaluate(pair, bookA, bookB, log)
	if opp == nil {
		return domain.Strategy{}, false
	}
	if s.proposed.Active(pair.ID) {
		return domain.Strategy{}, false
	}
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "scan:"+pair.ID, s.cfg.Cooldown)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				log.Warn("scan lock failed", slog.String("error", err.Error()))
				s.proposed.Forget(pair.ID)
			}
			return domain.Strategy{}, false
		}
		// Held until it expires so other instances skip this pair for the cooldown.
		_ = unlock
	}

	st, err := s.proposer.ProposeOpportunity(ctx, opp, s.cfg.Template)
	if err != nil {
		log.Warn("propose failed", slog.String("error", err.Error()))
		s.proposed.Forget(pair.ID)
		return domain.Strategy{}, false
	}
	log.Info("strategy proposed",
		slog.String("strategy_id", st.ID),
		slog.String("net_edge", opp.NetEdge.StringFixed(4)),
		slog.String("net_profit", opp.NetProfit.StringFixed(2)),
		slog.Float64("qty", opp.Quantity),
	)
	return st, true
}

// evaluate tries each direction pairing that can be an arbitrage for the
// pair kind and returns the first that clears the hurdle.
func (s *Scanner) evaluate(pair domain.MarketPair, bookA, bookB domain.OrderBook, log *slog.Logger) *domain.Opportunity {
	var lastErr error
	for _, dirs := range candidates(pair.Kind, bookA, bookB) {
		qa := evaluator.QuoteFromBook(bookA, dirs[0])
		qb := evaluator.QuoteFromBook(bookB, dirs[1])
		qty := s.cfg.Sizing.Contracts(qa.Top() + qb.Top())
		if s.cfg.Sizing.Kind == domain.SizingFixedContracts {
			qty = s.cfg.Sizing.Contracts(0)
		}
		opp, err := s.eval.Evaluate(pair, qa, qb, qty)
		if err == nil {
			return opp
		}
		lastErr = err
	}
	if lastErr != nil {
		log.Debug("no opportunity", slog.String("reason", string(domain.ReasonFor(lastErr))), slog.String("error", lastErr.Error()))
	}
	return nil
}

func candidates(kind domain.PairKind, bookA, bookB domain.OrderBook) [][2]domain.Direction {
	buy, sell := domain.DirectionBuy, domain.DirectionSell
	if kind == domain.PairComplementary {
		return [][2]domain.Direction{{buy, buy}, {sell, sell}}
	}
	askA, okA := bookA.BestAsk()
	bidB, okB := bookB.BestBid()
	if okA && okB && askA.Price < bidB.Price {
		return [][2]domain.Direction{{buy, sell}, {sell, buy}}
	}
	return [][2]domain.Direction{{sell, buy}, {buy, sell}}
}

func (s *Scanner) observeSpread(ctx context.Context, pair domain.MarketPair, bookA, bookB domain.OrderBook) {
	midA, okA := bookA.Mid()
	midB, okB := bookB.Mid()
	if !okA || !okB {
		return
	}
	spread := domain.Spread(pair.Kind, midA, midB)
	if s.spreads != nil {
		if err := s.spreads.UpdateSpread(ctx, pair.ID, spread, time.Now().UTC()); err != nil {
			s.logger.Warn("spread update failed", slog.String("pair_id", pair.ID), slog.String("error", err.Error()))
		}
	}
	if s.alerts == nil || pair.AlertThreshold <= 0 || math.Abs(spread) < pair.AlertThreshold {
		return
	}
	if s.alerted.Active(pair.ID) {
		return
	}
	s.alerts.Alert(ctx, domain.Alert{
		Level:   domain.AlertInfo,
		Event:   "spread_alert",
		Title:   "Spread threshold crossed",
		Message: fmt.Sprintf("%s spread %.4f crossed %.4f", pair.ID, spread, pair.AlertThreshold),
		At:      time.Now().UTC(),
	})
}
