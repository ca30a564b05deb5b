package feed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Poller fetches books over REST for every market referenced by a tracked
// pair. Venues listed in skip are fed elsewhere (e.g. by a stream).
type Poller struct {
	pairs    domain.PairSource
	sources  map[domain.Venue]domain.BookSource
	sink     *Sink
	interval time.Duration
	parallel int
	skip     map[domain.Venue]bool
	logger   *slog.Logger
}

// NewPoller creates a poller over sources.
func NewPoller(pairs domain.PairSource, sources []domain.BookSource, sink *Sink, interval time.Duration, logger *slog.Logger) *Poller {
	byVenue := make(map[domain.Venue]domain.BookSource, len(sources))
	for _, s := range sources {
		byVenue[s.Venue()] = s
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		pairs:    pairs,
		sources:  byVenue,
		sink:     sink,
		interval: interval,
		parallel: 8,
		skip:     make(map[domain.Venue]bool),
		logger:   logger.With(slog.String("component", "book_poller")),
	}
}

// Skip excludes venue from polling.
func (p *Poller) Skip(venue domain.Venue) *Poller {
	p.skip[venue] = true
	return p
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("book poller started", slog.Duration("interval", p.interval))
	defer p.logger.Info("book poller stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce refreshes every referenced book once and returns how many were
// stored. Individual failures are logged and skipped.
func (p *Poller) PollOnce(ctx context.Context) int {
	pairs, err := p.pairs.GetTrackedPairs(ctx)
	if err != nil {
		p.logger.Warn("list tracked pairs failed", slog.String("error", err.Error()))
		return 0
	}
	refs := p.refs(pairs)

	var g errgroup.Group
	g.SetLimit(p.parallel)
	stored := make([]bool, len(refs))
	for i, ref := range refs {
		g.Go(func() error {
			book, err := p.sources[ref.Venue].GetBook(ctx, ref.MarketID, ref.Outcome)
			if err != nil {
				p.logger.Debug("book fetch failed", slog.String("ref", ref.Key()), slog.String("error", err.Error()))
				return nil
			}
			book.Ref = ref
			if err := p.sink.Put(ctx, book); err != nil {
				p.logger.Warn("book store failed", slog.String("ref", ref.Key()), slog.String("error", err.Error()))
				return nil
			}
			stored[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range stored {
		if ok {
			n++
		}
	}
	return n
}

// refs returns the distinct pollable market refs of pairs.
func (p *Poller) refs(pairs []domain.MarketPair) []domain.MarketRef {
	seen := make(map[string]bool)
	var out []domain.MarketRef
	for _, pair := range pairs {
		for _, ref := range []domain.MarketRef{pair.A, pair.B} {
			if _, ok := p.sources[ref.Venue]; !ok || p.skip[ref.Venue] || seen[ref.Key()] {
				continue
			}
			seen[ref.Key()] = true
			out = append(out, ref)
		}
	}
	return out
}
