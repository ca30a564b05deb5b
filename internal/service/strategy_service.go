// Package service implements the strategy command surface: proposal,
// confirmation, rejection, cancellation and the mode-specific controls.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/arbengine/internal/coordinator"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/lifecycle"
)

// Coordinator is the execution side of the command surface.
type Coordinator interface {
	Execute(ctx context.Context, id string) (domain.Strategy, error)
	Cancel(ctx context.Context, id string) (domain.Strategy, error)
	CloseStrategy(ctx context.Context, id string, reason domain.ReasonCode) (domain.Strategy, error)
	Unwind(ctx context.Context, id string) (domain.Strategy, error)
	Continue(ctx context.Context, id string) (domain.Strategy, error)
	Decide(ctx context.Context, id string, d coordinator.Decision) (domain.Strategy, error)
	ReportFill(ctx context.Context, id string, f coordinator.ManualFill) (domain.Strategy, error)
	FinishManual(ctx context.Context, id string) (domain.Strategy, error)
	Exposure() domain.ExposureSnapshot
}

// Template carries the strategy parameters applied to scanner proposals.
type Template struct {
	Type  domain.StrategyType
	Mode  domain.ExecutionMode
	Entry domain.EntryConditions
	Exit  domain.ExitConditions
	Risk  domain.RiskParams
}

// StrategyService is the single entry point for strategy commands from the
// HTTP surface and the scanner.
type StrategyService struct {
	machine     *lifecycle.Machine
	coord       Coordinator
	pairs       domain.PairSource
	audit       domain.AuditStore
	autoExecute bool
	logger      *slog.Logger
}

// NewStrategyService creates a StrategyService. pairs and audit may be nil.
func NewStrategyService(
	machine *lifecycle.Machine,
	coord Coordinator,
	pairs domain.PairSource,
	audit domain.AuditStore,
	autoExecute bool,
	logger *slog.Logger,
) *StrategyService {
	return &StrategyService{
		machine:     machine,
		coord:       coord,
		pairs:       pairs,
		audit:       audit,
		autoExecute: autoExecute,
		logger:      logger.With(slog.String("component", "strategy_service")),
	}
}

// Propose validates req and records a new PROPOSED strategy.
func (s *StrategyService) Propose(ctx context.Context, req ProposeRequest) (domain.Strategy, error) {
	if err := check(req); err != nil {
		return domain.Strategy{}, err
	}
	st := req.strategy()
	if st.PairID != "" && s.pairs != nil {
		pair, err := s.pairs.GetPair(ctx, st.PairID)
		if err != nil {
			return domain.Strategy{}, fmt.Errorf("service: pair %s: %w", st.PairID, err)
		}
		if st.Risk.Correlation == 0 {
			st.Risk.Correlation = pair.Correlation
		}
	}
	return s.machine.Propose(ctx, st)
}

// ProposeOpportunity turns an evaluated opportunity into a PROPOSED
// strategy. Limit prices are the depth-walked execution prices rounded to
// the cent against us.
func (s *StrategyService) ProposeOpportunity(ctx context.Context, opp *domain.Opportunity, tmpl Template) (domain.Strategy, error) {
	st := domain.Strategy{
		Type:        tmpl.Type,
		PairID:      opp.Pair.ID,
		Mode:        tmpl.Mode,
		Sizing:      domain.SizingPolicy{Kind: domain.SizingFixedContracts, Amount: opp.Quantity},
		Entry:       tmpl.Entry,
		Exit:        tmpl.Exit,
		Risk:        tmpl.Risk,
		EntrySpread: opp.Spread,
		ExpectedPnL: opp.NetProfit.InexactFloat64(),
	}
	if st.Type == "" {
		st.Type = domain.TypePriceDiscrepancy
	}
	if st.Mode == "" {
		st.Mode = domain.ModeStrict
	}
	st.Risk.Correlation = opp.Pair.Correlation
	for i, l := range opp.Legs {
		st.Legs = append(st.Legs, domain.StrategyLeg{
			Index:       i,
			Venue:       l.Ref.Venue,
			MarketID:    l.Ref.MarketID,
			Outcome:     l.Ref.Outcome,
			Direction:   l.Direction,
			TargetPrice: limitPrice(l.ExecPrice.InexactFloat64(), l.Direction),
			Quantity:    opp.Quantity,
		})
	}
	return s.machine.Propose(ctx, st)
}

func limitPrice(p float64, dir domain.Direction) float64 {
	if dir == domain.DirectionSell {
		return math.Max(math.Floor(p*100+1e-9)/100, 0.01)
	}
	return math.Min(math.Ceil(p*100-1e-9)/100, 0.99)
}

// Confirm moves a PROPOSED strategy to CONFIRMED. With execute set, or when
// the service auto-executes, execution is started at once; an admission
// refusal leaves the strategy CONFIRMED and is returned.
func (s *StrategyService) Confirm(ctx context.Context, id string, execute bool) (domain.Strategy, error) {
	st, err := s.machine.Transition(ctx, id, domain.StatusConfirmed, nil, nil)
	if err != nil {
		return st, err
	}
	if !execute && !s.autoExecute {
		return st, nil
	}
	return s.coord.Execute(ctx, id)
}

// Execute starts a CONFIRMED strategy.
func (s *StrategyService) Execute(ctx context.Context, id string) (domain.Strategy, error) {
	return s.coord.Execute(ctx, id)
}

// Reject moves a PROPOSED strategy to REJECTED.
func (s *StrategyService) Reject(ctx context.Context, id, detail string) (domain.Strategy, error) {
	return s.machine.Transition(ctx, id, domain.StatusRejected,
		&domain.Rejection{Code: domain.ReasonUserReject, Leg: -1, Detail: detail}, nil)
}

// Cancel cancels a strategy from any non-terminal state. It is idempotent.
func (s *StrategyService) Cancel(ctx context.Context, id string) (domain.Strategy, error) {
	return s.coord.Cancel(ctx, id)
}

// Get returns one strategy.
func (s *StrategyService) Get(ctx context.Context, id string) (domain.Strategy, error) {
	return s.machine.Get(ctx, id)
}

// List returns strategies matching filter.
func (s *StrategyService) List(ctx context.Context, filter domain.StrategyFilter) ([]domain.Strategy, error) {
	return s.machine.List(ctx, filter)
}

// Amend changes leg target prices while the strategy is PROPOSED.
func (s *StrategyService) Amend(ctx context.Context, id string, req AmendRequest) (domain.Strategy, error) {
	if err := check(req); err != nil {
		return domain.Strategy{}, err
	}
	return s.machine.AmendPrices(ctx, id, req.Prices)
}

// Continue releases the next leg of a LEGGED strategy.
func (s *StrategyService) Continue(ctx context.Context, id string) (domain.Strategy, error) {
	return s.coord.Continue(ctx, id)
}

// Decide resolves a TOLERANT decision point.
func (s *StrategyService) Decide(ctx context.Context, id string, req DecisionRequest) (domain.Strategy, error) {
	if err := check(req); err != nil {
		return domain.Strategy{}, err
	}
	return s.coord.Decide(ctx, id, coordinator.Decision(req.Decision))
}

// ReportFill records an external fill on a MANUAL strategy.
func (s *StrategyService) ReportFill(ctx context.Context, id string, req FillRequest) (domain.Strategy, error) {
	if err := check(req); err != nil {
		return domain.Strategy{}, err
	}
	return s.coord.ReportFill(ctx, id, coordinator.ManualFill{
		Leg:      req.Leg,
		Quantity: req.Quantity,
		Price:    req.Price,
		Final:    req.Final,
	})
}

// FinishManual finalizes a MANUAL strategy's legs.
func (s *StrategyService) FinishManual(ctx context.Context, id string) (domain.Strategy, error) {
	return s.coord.FinishManual(ctx, id)
}

// Unwind retries the unwind of a PARTIAL or CLOSING strategy.
func (s *StrategyService) Unwind(ctx context.Context, id string) (domain.Strategy, error) {
	return s.coord.Unwind(ctx, id)
}

// Close exits an ACTIVE strategy.
func (s *StrategyService) Close(ctx context.Context, id string, req CloseRequest) (domain.Strategy, error) {
	if err := check(req); err != nil {
		return domain.Strategy{}, err
	}
	reason := domain.ReasonCode(req.Reason)
	if reason == "" {
		reason = domain.ReasonUserClose
	}
	return s.coord.CloseStrategy(ctx, id, reason)
}

// Exposure returns the exposure ledger totals.
func (s *StrategyService) Exposure() domain.ExposureSnapshot {
	return s.coord.Exposure()
}

// Pairs returns the tracked market pairs.
func (s *StrategyService) Pairs(ctx context.Context) ([]domain.MarketPair, error) {
	if s.pairs == nil {
		return nil, nil
	}
	return s.pairs.GetTrackedPairs(ctx)
}

// Audit returns recent audit entries.
func (s *StrategyService) Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.List(ctx, opts)
}
