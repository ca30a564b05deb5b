// Package coordinator executes confirmed strategies: it runs their legs under
// the strategy's execution mode, aggregates the outcome, and drives unwinds
// when a multi-leg entry only partly succeeds.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/gateway"
	"github.com/alanyoungcy/arbengine/internal/lifecycle"
)

// Config holds execution deadlines and unwind policy.
type Config struct {
	StrictDeadline    time.Duration
	TolerantDeadline  time.Duration
	LeggedLegDeadline time.Duration
	UnwindDeadline    time.Duration
	// UnwindSlippage widens the unwind limit past the best opposite price.
	UnwindSlippage float64
	// MaxSlippagePct applies to TOLERANT strategies that do not set their own.
	MaxSlippagePct float64
	DriftInterval  time.Duration
	ExitInterval   time.Duration
	LockTTL        time.Duration
}

func (c Config) withDefaults() Config {
	if c.StrictDeadline <= 0 {
		c.StrictDeadline = 5 * time.Second
	}
	if c.TolerantDeadline <= 0 {
		c.TolerantDeadline = 30 * time.Second
	}
	if c.LeggedLegDeadline <= 0 {
		c.LeggedLegDeadline = 30 * time.Second
	}
	if c.UnwindDeadline <= 0 {
		c.UnwindDeadline = 30 * time.Second
	}
	if c.UnwindSlippage <= 0 {
		c.UnwindSlippage = 0.05
	}
	if c.MaxSlippagePct <= 0 {
		c.MaxSlippagePct = 2
	}
	if c.DriftInterval <= 0 {
		c.DriftInterval = 500 * time.Millisecond
	}
	if c.ExitInterval <= 0 {
		c.ExitInterval = 5 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	return c
}

// Decision resolves a TOLERANT decision point.
type Decision string

const (
	DecisionWait  Decision = "wait"
	DecisionAbort Decision = "abort"
)

// ManualFill is an externally executed fill reported for a MANUAL strategy.
type ManualFill struct {
	Leg      int
	Quantity float64
	Price    float64
	// Final marks the leg as done even if it is not fully filled.
	Final bool
}

// Coordinator owns strategies while they execute.
type Coordinator struct {
	machine  *lifecycle.Machine
	gateways *gateway.Registry
	exec     *executor.Executor
	ledger   *Ledger
	cfg      Config
	logger   *slog.Logger

	quotes domain.QuoteSource
	locks  domain.LockManager
	alerts domain.Alerter

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu    sync.Mutex
	runs  map[string]*run
	owned map[string]struct{}
}

// New creates a Coordinator. Optional collaborators are attached with the
// Set* methods before Run.
func New(
	machine *lifecycle.Machine,
	gateways *gateway.Registry,
	exec *executor.Executor,
	ledger *Ledger,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		machine:  machine,
		gateways: gateways,
		exec:     exec,
		ledger:   ledger,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "coordinator")),
		ctx:      ctx,
		stop:     stop,
		runs:     make(map[string]*run),
		owned:    make(map[string]struct{}),
	}
}

// SetQuoteSource enables TOLERANT drift checks, exit monitoring and
// book-aware unwind pricing.
func (c *Coordinator) SetQuoteSource(q domain.QuoteSource) { c.quotes = q }

// SetLockManager guards each executing strategy with a distributed lock.
func (c *Coordinator) SetLockManager(l domain.LockManager) { c.locks = l }

// SetAlerter routes decision points and failed unwinds to operators.
func (c *Coordinator) SetAlerter(a domain.Alerter) { c.alerts = a }

// Ledger returns the exposure ledger.
func (c *Coordinator) Ledger() *Ledger { return c.ledger }

// Run monitors exit conditions until ctx is done, then cancels in-flight
// executions and waits for every leg to settle.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started", slog.Duration("exit_interval", c.cfg.ExitInterval))
	ticker := time.NewTicker(c.cfg.ExitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping, settling in-flight strategies")
			c.Close()
			return ctx.Err()
		case <-ticker.C:
			c.checkExits(ctx)
		}
	}
}

// Close cancels in-flight executions and waits for them to conclude.
func (c *Coordinator) Close() {
	c.stop()
	c.wg.Wait()
}

type commandKind int

const (
	cmdContinue commandKind = iota
	cmdDecide
	cmdFill
	cmdFinish
)

type command struct {
	kind     commandKind
	decision Decision
	fill     ManualFill
	reply    chan error
}

// run is one in-flight execution.
type run struct {
	id         string
	mode       domain.ExecutionMode
	cancel     context.CancelFunc
	done       chan struct{}
	cmds       chan command
	userCancel atomic.Bool
	aborted    atomic.Bool
}

// Execute admits a CONFIRMED strategy and starts executing it in the
// background. A refused admission leaves the strategy CONFIRMED with the
// refusal recorded on it.
func (c *Coordinator) Execute(ctx context.Context, id string) (domain.Strategy, error) {
	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	if s.Status != domain.StatusConfirmed {
		return s, fmt.Errorf("coordinator: execute %s in %s: %w", id, s.Status, domain.ErrInvalidTransition)
	}

	runCtx, cancel := context.WithCancel(c.ctx)
	r := &run{id: id, mode: s.Mode, cancel: cancel, done: make(chan struct{}), cmds: make(chan command)}
	c.mu.Lock()
	if _, busy := c.runs[id]; busy {
		c.mu.Unlock()
		cancel()
		return s, fmt.Errorf("coordinator: %s already executing: %w", id, domain.ErrInvalidTransition)
	}
	c.runs[id] = r
	c.mu.Unlock()

	unlock, err := c.admit(ctx, s)
	if err != nil {
		rej := domain.Reject(err, -1)
		s, _ = c.machine.Update(ctx, id, func(st *domain.Strategy) error {
			st.Rejection = rej
			return nil
		})
		c.abandon(r)
		c.logger.Warn("admission refused",
			slog.String("strategy_id", id),
			slog.String("reason", string(rej.Code)),
			slog.String("detail", rej.Detail),
		)
		return s, err
	}

	s, err = c.machine.Transition(ctx, id, domain.StatusExecuting, nil, func(st *domain.Strategy) error {
		st.Rejection = nil
		return nil
	})
	if err != nil {
		unlock()
		c.ledger.Release(id)
		c.abandon(r)
		return s, err
	}

	c.logger.Info("strategy executing",
		slog.String("strategy_id", id),
		slog.String("mode", string(s.Mode)),
		slog.Float64("exposure_usd", s.ExposureUSD()),
	)
	c.wg.Add(1)
	go c.drive(runCtx, r, s, unlock)
	return s, nil
}

// admit runs the admission checks: persistence health, the exposure ledger
// and, when configured, the cross-process strategy lock.
func (c *Coordinator) admit(ctx context.Context, s domain.Strategy) (func(), error) {
	if !c.machine.Healthy() {
		if err := c.machine.Flush(ctx); err != nil {
			return nil, fmt.Errorf("coordinator: admit %s: %w", s.ID, domain.ErrPersistenceUnavailable)
		}
	}
	if err := c.ledger.Reserve(s); err != nil {
		return nil, err
	}
	if c.locks == nil {
		return func() {}, nil
	}
	unlock, err := c.locks.Acquire(ctx, "strategy:"+s.ID, c.cfg.LockTTL)
	if err != nil {
		c.ledger.Release(s.ID)
		return nil, fmt.Errorf("coordinator: lock %s: %w", s.ID, err)
	}
	return unlock, nil
}

// abandon retires a run that never started. Callers blocked on r.done wake
// and find the strategy no longer running.
func (c *Coordinator) abandon(r *run) {
	c.dropRun(r.id)
	r.cancel()
	close(r.done)
}

func (c *Coordinator) dropRun(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, id)
}

func (c *Coordinator) runFor(id string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

func (c *Coordinator) drive(ctx context.Context, r *run, s domain.Strategy, unlock func()) {
	defer c.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("strategy run panicked", slog.String("strategy_id", s.ID), slog.Any("panic", p))
			c.fault(s.ID, fmt.Errorf("panic: %v", p))
		}
		unlock()
		r.cancel()
		c.dropRun(s.ID)
		close(r.done)
	}()

	switch s.Mode {
	case domain.ModeStrict:
		c.runStrict(ctx, r, s)
	case domain.ModeTolerant:
		c.runTolerant(ctx, r, s)
	case domain.ModeLegged:
		c.runLegged(ctx, r, s)
	case domain.ModeManual:
		c.runManual(ctx, r, s)
	default:
		c.fault(s.ID, fmt.Errorf("unknown execution mode %q", s.Mode))
	}
}

// fault concludes a strategy whose run failed unexpectedly, keeping whatever
// leg state was recorded.
func (c *Coordinator) fault(id string, cause error) {
	ctx := context.Background()
	s, err := c.machine.Get(ctx, id)
	if err != nil || s.Status != domain.StatusExecuting {
		return
	}
	status, _ := Aggregate(s.Legs, s.Entry.MinEnteredQty, nil)
	rej := &domain.Rejection{Code: domain.ReasonInternalError, Leg: -1, Detail: cause.Error()}
	if status == domain.StatusActive {
		rej = nil
	}
	final, err := c.machine.Transition(ctx, id, status, rej, nil)
	if err != nil {
		c.logger.Error("fault transition failed", slog.String("strategy_id", id), slog.String("error", err.Error()))
		return
	}
	c.settle(final)
}

// Wait blocks until strategy id is no longer executing in this process.
func (c *Coordinator) Wait(ctx context.Context, id string) (domain.Strategy, error) {
	if r := c.runFor(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return domain.Strategy{}, ctx.Err()
		}
	}
	return c.machine.Get(ctx, id)
}

// Cancel cancels strategy id from any non-terminal state. In-flight legs are
// cancelled and must settle before the transition; filled quantity is
// unwound. Cancelling a terminal strategy returns it unchanged.
func (c *Coordinator) Cancel(ctx context.Context, id string) (domain.Strategy, error) {
	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	userCancel := &domain.Rejection{Code: domain.ReasonUserCancel, Leg: -1}

	if r := c.runFor(id); r != nil {
		r.userCancel.Store(true)
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return s, ctx.Err()
		}
		s, err = c.machine.Get(ctx, id)
		if err != nil || s.Status.Terminal() {
			return s, err
		}
		if s.Reason() == domain.ReasonUnwindFailed {
			return s, fmt.Errorf("coordinator: cancel %s: %w", id, s.Rejection)
		}
		return c.Cancel(ctx, id)
	}

	switch s.Status {
	case domain.StatusProposed, domain.StatusConfirmed:
		return c.machine.Transition(ctx, id, domain.StatusCancelled, userCancel, nil)
	case domain.StatusExecuting:
		return s, fmt.Errorf("coordinator: %s is executing in another process: %w", id, domain.ErrInvalidTransition)
	}

	release, err := c.claim(ctx, id)
	if err != nil {
		return s, err
	}
	defer release()
	if s.Mode != domain.ModeManual {
		if err := c.unwind(ctx, s); err != nil {
			return c.unwindFailed(ctx, id, err)
		}
	}
	final, err := c.machine.Transition(ctx, id, domain.StatusCancelled, userCancel, nil)
	if err == nil {
		c.ledger.Release(id)
	}
	return final, err
}

// CloseStrategy exits an ACTIVE strategy: CLOSING, unwind, CLOSED. A failed unwind
// leaves it CLOSING with unwind_failed recorded.
func (c *Coordinator) CloseStrategy(ctx context.Context, id string, reason domain.ReasonCode) (domain.Strategy, error) {
	release, err := c.claim(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	defer release()

	rej := &domain.Rejection{Code: reason, Leg: -1}
	s, err := c.machine.Transition(ctx, id, domain.StatusClosing, rej, nil)
	if err != nil {
		return s, err
	}
	c.logger.Info("closing strategy", slog.String("strategy_id", id), slog.String("reason", string(reason)))
	if err := c.unwind(ctx, s); err != nil {
		return c.unwindFailed(ctx, id, err)
	}
	final, err := c.machine.Transition(ctx, id, domain.StatusClosed, rej, nil)
	if err == nil {
		c.ledger.Release(id)
	}
	return final, err
}

// Unwind retries a directed unwind of a PARTIAL or CLOSING strategy.
// Success moves PARTIAL to CANCELLED and CLOSING to CLOSED.
func (c *Coordinator) Unwind(ctx context.Context, id string) (domain.Strategy, error) {
	release, err := c.claim(ctx, id)
	if err != nil {
		return domain.Strategy{}, err
	}
	defer release()

	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return s, err
	}
	var to domain.StrategyStatus
	switch s.Status {
	case domain.StatusPartial:
		to = domain.StatusCancelled
	case domain.StatusClosing:
		to = domain.StatusClosed
	default:
		return s, fmt.Errorf("coordinator: unwind %s in %s: %w", id, s.Status, domain.ErrInvalidTransition)
	}
	if err := c.unwind(ctx, s); err != nil {
		return c.unwindFailed(ctx, id, err)
	}
	var rej *domain.Rejection
	if s.Rejection != nil && s.Rejection.Code != domain.ReasonUnwindFailed {
		rej = s.Rejection
	}
	final, err := c.machine.Transition(ctx, id, to, rej, nil)
	if err == nil {
		c.ledger.Release(id)
	}
	return final, err
}

// claim gives the caller exclusive use of a strategy outside of execution.
func (c *Coordinator) claim(ctx context.Context, id string) (func(), error) {
	c.mu.Lock()
	if _, busy := c.owned[id]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator: %s busy: %w", id, domain.ErrLockHeld)
	}
	if _, busy := c.runs[id]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator: %s executing: %w", id, domain.ErrInvalidTransition)
	}
	c.owned[id] = struct{}{}
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.owned, id)
		c.mu.Unlock()
	}
	if c.locks == nil {
		return release, nil
	}
	unlock, err := c.locks.Acquire(ctx, "strategy:"+id, c.cfg.LockTTL)
	if err != nil {
		release()
		return nil, fmt.Errorf("coordinator: lock %s: %w", id, err)
	}
	return func() {
		unlock()
		release()
	}, nil
}

// Continue releases the next leg of a LEGGED strategy.
func (c *Coordinator) Continue(ctx context.Context, id string) (domain.Strategy, error) {
	return c.command(ctx, id, domain.ModeLegged, command{kind: cmdContinue})
}

// Decide resolves a TOLERANT decision point.
func (c *Coordinator) Decide(ctx context.Context, id string, d Decision) (domain.Strategy, error) {
	if d != DecisionWait && d != DecisionAbort {
		return domain.Strategy{}, fmt.Errorf("coordinator: unknown decision %q: %w", d, domain.ErrInvalidStrategy)
	}
	return c.command(ctx, id, domain.ModeTolerant, command{kind: cmdDecide, decision: d})
}

// ReportFill records an externally executed fill on a MANUAL strategy.
func (c *Coordinator) ReportFill(ctx context.Context, id string, f ManualFill) (domain.Strategy, error) {
	return c.command(ctx, id, domain.ModeManual, command{kind: cmdFill, fill: f})
}

// FinishManual finalizes every open leg of a MANUAL strategy and aggregates.
func (c *Coordinator) FinishManual(ctx context.Context, id string) (domain.Strategy, error) {
	return c.command(ctx, id, domain.ModeManual, command{kind: cmdFinish})
}

func (c *Coordinator) command(ctx context.Context, id string, mode domain.ExecutionMode, cmd command) (domain.Strategy, error) {
	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return s, err
	}
	if s.Mode != mode {
		return s, fmt.Errorf("coordinator: %s is %s, not %s: %w", id, s.Mode, mode, domain.ErrWrongMode)
	}
	r := c.runFor(id)
	if r == nil {
		return s, fmt.Errorf("coordinator: %s is not executing: %w", id, domain.ErrInvalidTransition)
	}
	cmd.reply = make(chan error, 1)
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return c.machine.Get(ctx, id)
	case <-ctx.Done():
		return s, ctx.Err()
	}
	select {
	case err = <-cmd.reply:
	case <-ctx.Done():
		return s, ctx.Err()
	}
	if err != nil {
		return s, err
	}
	return c.machine.Get(ctx, id)
}

func (c *Coordinator) alert(ctx context.Context, level domain.AlertLevel, event, title, msg string, s domain.Strategy, reason domain.ReasonCode) {
	a := domain.Alert{
		Level:      level,
		Event:      event,
		Title:      title,
		Message:    msg,
		StrategyID: s.ID,
		Reason:     reason,
		At:         time.Now().UTC(),
	}
	c.machine.Publish(domain.StrategyEvent{Kind: domain.EventAlert, StrategyID: s.ID, Reason: reason})
	if c.alerts != nil {
		c.alerts.Alert(ctx, a)
	}
}

// settle updates the ledger for a strategy's new status.
func (c *Coordinator) settle(s domain.Strategy) {
	switch s.Status {
	case domain.StatusCancelled, domain.StatusClosed, domain.StatusRejected:
		c.ledger.Release(s.ID)
	default:
		c.ledger.Settle(s)
	}
}

// Exposure returns the current exposure ledger totals.
func (c *Coordinator) Exposure() domain.ExposureSnapshot { return c.ledger.Snapshot() }
