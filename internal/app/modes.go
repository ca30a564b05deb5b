package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/coordinator"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/evaluator"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/fee"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/lifecycle"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/scanner"
	"github.com/alanyoungcy/arbengine/internal/server"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
	"github.com/alanyoungcy/arbengine/internal/service"
)

// PaperMode runs the full engine against simulated venues that fill from
// live books.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runEngine(ctx, deps)
}

// LiveMode runs the full engine against the real venues.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode",
		slog.Bool("auto_execute", a.cfg.Engine.AutoExecute),
		slog.Float64("max_total_exposure_usd", a.cfg.Limits.MaxTotalExposureUSD),
	)
	return a.runEngine(ctx, deps)
}

// engine holds the components assembled for one run.
type engine struct {
	machine *lifecycle.Machine
	coord   *coordinator.Coordinator
	service *service.StrategyService
	scanner *scanner.Scanner
	hub     *ws.Hub
	alerts  domain.Alerter
}

// runEngine builds the engine on deps and blocks until ctx is cancelled.
// The state machine outlives the other goroutines so that the coordinator's
// final transitions reach the store.
func (a *App) runEngine(ctx context.Context, deps *Dependencies) error {
	v, err := buildVenues(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: venues: %w", err)
	}
	a.closers = append(a.closers, v.close)

	eng, err := a.buildEngine(deps, v)
	if err != nil {
		return err
	}

	machineCtx, stopMachine := context.WithCancel(context.WithoutCancel(ctx))
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		_ = eng.machine.Run(machineCtx, a.cfg.Engine.FlushInterval.Duration)
	}()
	defer func() {
		stopMachine()
		<-machineDone
	}()

	if err := eng.coord.Recover(ctx); err != nil {
		return fmt.Errorf("app: recover strategies: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.coord.Run(ctx) })
	g.Go(func() error { return a.watchPersistence(ctx, eng.machine, eng.alerts) })

	if err := a.startFeed(ctx, g, deps, v); err != nil {
		return err
	}
	if eng.scanner != nil {
		g.Go(func() error { return eng.scanner.Run(ctx) })
	}
	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps.Archiver) })
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}

	return g.Wait()
}

// buildEngine assembles the fee schedule, evaluator, state machine,
// coordinator, service and scanner.
func (a *App) buildEngine(deps *Dependencies, v *venues) (*engine, error) {
	schedule, err := buildFeeSchedule(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("app: fees: %w", err)
	}
	eval := evaluator.New(schedule, evaluator.Params{
		Hurdle:          a.cfg.Scanner.Hurdle,
		MinLegLiquidity: a.cfg.Scanner.MinLegLiquidity,
		SlippageBand:    a.cfg.Scanner.SlippageBand,
	})

	eng := &engine{}
	var alerters notify.Tee
	alerters = append(alerters, deps.Notifier)
	var publishers eventFanout
	if deps.Events != nil {
		publishers = append(publishers, deps.Events)
	}
	if a.cfg.Server.Enabled {
		eng.hub = ws.NewHub(a.logger, ws.Config{Mode: a.cfg.Mode, StartedAt: a.startedAt})
		alerters = append(alerters, eng.hub)
		publishers = append(publishers, eng.hub)
	}
	eng.alerts = alerters

	opts := []lifecycle.Option{
		lifecycle.WithAudit(deps.Audit),
		lifecycle.WithRetention(a.cfg.Engine.TerminalRetention.Duration),
	}
	if len(publishers) > 0 {
		opts = append(opts, lifecycle.WithEvents(publishers))
	}
	eng.machine = lifecycle.NewMachine(deps.Strategies, a.logger, opts...)

	exec := executor.New(v.watcher, executor.Config{
		CallTimeout:   a.cfg.Engine.CallTimeout.Duration,
		CancelTimeout: a.cfg.Engine.CancelTimeout.Duration,
	}, a.logger)
	ledger := coordinator.NewLedger(safetyLimits(a.cfg.Limits))
	eng.coord = coordinator.New(eng.machine, v.registry, exec, ledger, coordinator.Config{
		StrictDeadline:    a.cfg.Engine.StrictDeadline.Duration,
		TolerantDeadline:  a.cfg.Engine.TolerantDeadline.Duration,
		LeggedLegDeadline: a.cfg.Engine.LeggedLegDeadline.Duration,
		UnwindDeadline:    a.cfg.Engine.UnwindDeadline.Duration,
		UnwindSlippage:    a.cfg.Engine.UnwindSlippage,
		MaxSlippagePct:    a.cfg.Engine.MaxSlippagePct,
		DriftInterval:     a.cfg.Engine.DriftInterval.Duration,
		ExitInterval:      a.cfg.Engine.ExitInterval.Duration,
		LockTTL:           a.cfg.Engine.LockTTL.Duration,
	}, a.logger)
	eng.coord.SetQuoteSource(deps.Books)
	eng.coord.SetAlerter(eng.alerts)
	if deps.Locks != nil {
		eng.coord.SetLockManager(deps.Locks)
	}

	eng.service = service.NewStrategyService(eng.machine, eng.coord, deps.Pairs, deps.Audit, a.cfg.Engine.AutoExecute, a.logger)

	if a.cfg.Scanner.Enabled {
		eng.scanner = scanner.New(deps.Pairs, deps.Books, eval, eng.service, scanner.Config{
			Interval:      a.cfg.Scanner.Interval.Duration,
			Cooldown:      a.cfg.Scanner.Cooldown.Duration,
			AlertCooldown: a.cfg.Scanner.AlertCooldown.Duration,
			Sizing: domain.SizingPolicy{
				Kind:   domain.SizingKind(a.cfg.Scanner.SizingKind),
				Amount: a.cfg.Scanner.SizingAmount,
			},
			Template: scanTemplate(a.cfg),
		}, a.logger)
		eng.scanner.SetSpreadRecorder(deps.Pairs)
		eng.scanner.SetAlerter(eng.alerts)
		if deps.Locks != nil {
			eng.scanner.SetLockManager(deps.Locks)
		}
	}
	return eng, nil
}

// startFeed launches the book feed selected by feed.source.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, v *venues) error {
	switch strings.ToLower(a.cfg.Feed.Source) {
	case "poll":
		sink := feed.NewSink(deps.Books, deps.Bus, a.logger)
		poller := feed.NewPoller(deps.Pairs, v.books, sink, a.cfg.Feed.PollInterval.Duration, a.logger)
		if a.cfg.Feed.Stream && v.tokens != nil {
			poller.Skip(domain.VenuePolymarket)
			stream := feed.NewPolymarketStream(a.cfg.Polymarket.WsHost, deps.Pairs, v.tokens, sink, a.cfg.Feed.StreamRefresh.Duration, a.logger)
			g.Go(func() error { return stream.Run(ctx) })
		}
		g.Go(func() error { return poller.Run(ctx) })
	case "bus":
		if deps.Bus == nil {
			return errors.New("app: feed source bus requires redis")
		}
		feeder := feed.NewBusFeeder(deps.Bus, deps.Books, a.logger)
		g.Go(func() error { return feeder.Run(ctx) })
	}
	return nil
}

// startHTTPServer registers the API routes and runs the server and the
// WebSocket hub until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	checks := map[string]handler.Check{
		"state_machine": func(context.Context) error {
			if !eng.machine.Healthy() {
				return domain.ErrPersistenceUnavailable
			}
			return nil
		},
	}
	for name, check := range deps.Checks {
		checks[name] = check
	}

	var scan handler.Scanner
	if eng.scanner != nil {
		scan = eng.scanner
	}
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(checks, a.logger),
		Strategies: handler.NewStrategyHandler(eng.service, a.logger),
		Pairs:      handler.NewPairHandler(deps.Pairs, a.logger),
		Status:     handler.NewStatusHandler(eng.service, a.cfg.Mode, a.startedAt, a.logger),
		Triggers:   handler.NewTriggerHandler(scan, deps.Archiver, a.cfg.Archive.Retention.Duration, a.logger),
	}
	if deps.Events != nil {
		handlers.Events = handler.NewEventsHandler(deps.Events, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.ApiKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, eng.hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return eng.hub.Run(ctx) })
	if deps.Bus != nil {
		g.Go(func() error { return eng.hub.Bridge(ctx, deps.Bus, feed.BooksChannel, ws.TopicBooks) })
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// runArchiver moves settled strategies older than the retention window to
// object storage on every interval.
func (a *App) runArchiver(ctx context.Context, archiver domain.Archiver) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			before := time.Now().UTC().Add(-a.cfg.Archive.Retention.Duration)
			n, err := archiver.ArchiveStrategies(ctx, before)
			if err != nil {
				a.logger.Error("archive strategies", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Info("archived strategies", slog.Int64("count", n), slog.Time("before", before))
			}
		}
	}
}

// watchPersistence alerts when the state machine loses or regains its store.
func (a *App) watchPersistence(ctx context.Context, m *lifecycle.Machine, alerts domain.Alerter) error {
	interval := a.cfg.Engine.FlushInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := m.Healthy()
		if now == healthy {
			continue
		}
		healthy = now
		if !now {
			alerts.Alert(ctx, domain.Alert{
				Level:   domain.AlertCritical,
				Event:   "persistence_degraded",
				Title:   "Strategy store unavailable",
				Message: "New executions are refused until pending writes reach the store.",
				Reason:  domain.ReasonFor(domain.ErrPersistenceUnavailable),
				At:      time.Now().UTC(),
			})
			continue
		}
		alerts.Alert(ctx, domain.Alert{
			Level:   domain.AlertInfo,
			Event:   "persistence_recovered",
			Title:   "Strategy store recovered",
			Message: "Pending writes were flushed.",
			At:      time.Now().UTC(),
		})
	}
}

// eventFanout publishes each strategy event to every publisher.
type eventFanout []domain.EventPublisher

func (f eventFanout) PublishEvent(ev domain.StrategyEvent) {
	for _, p := range f {
		p.PublishEvent(ev)
	}
}

func buildFeeSchedule(cfg *config.Config) (*fee.Schedule, error) {
	models := map[domain.Venue]fee.Model{}
	add := func(venue domain.Venue, fc config.FeeConfig) error {
		m, err := fee.Build(fee.Spec{
			Kind:        strings.ToLower(fc.Kind),
			Rate:        fc.Rate,
			PerContract: fc.PerContract,
			Flat:        fc.Flat,
			Threshold:   fc.Threshold,
			AboveRate:   fc.AboveRate,
			TakerOnly:   fc.TakerOnly,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", venue, err)
		}
		models[venue] = m
		return nil
	}
	if cfg.Kalshi.Enabled {
		if err := add(domain.VenueKalshi, cfg.Kalshi.Fee); err != nil {
			return nil, err
		}
	}
	if cfg.Polymarket.Enabled {
		if err := add(domain.VenuePolymarket, cfg.Polymarket.Fee); err != nil {
			return nil, err
		}
	}
	return fee.NewSchedule(models, nil), nil
}

func safetyLimits(l config.LimitsConfig) domain.SafetyLimits {
	return domain.SafetyLimits{
		MaxOrderSizeUSD:     l.MaxOrderSizeUSD,
		MaxTotalExposureUSD: l.MaxTotalExposureUSD,
		MaxPositionUSD:      l.MaxPositionUSD,
		MaxDailyVolumeUSD:   l.MaxDailyVolumeUSD,
		MaxOpenOrdersVenue:  l.MaxOpenOrdersPerVenue,
		MinLiquidity:        l.MinLiquidity,
		MaxSpread:           l.MaxSpread,
		MaxSlippagePct:      l.MaxSlippagePct,
	}
}

// scanTemplate is the strategy template applied to scanner proposals.
func scanTemplate(cfg *config.Config) service.Template {
	return service.Template{
		Type: domain.StrategyType(cfg.Scanner.StrategyType),
		Mode: domain.ExecutionMode(strings.ToUpper(cfg.Scanner.ExecutionMode)),
		Entry: domain.EntryConditions{
			MinNetEdge:      cfg.Scanner.Hurdle,
			MinLegLiquidity: cfg.Scanner.MinLegLiquidity,
			MaxSlippagePct:  cfg.Engine.MaxSlippagePct,
		},
		Risk: domain.RiskParams{MaxLossUSD: cfg.Scanner.MaxLossUSD},
	}
}
