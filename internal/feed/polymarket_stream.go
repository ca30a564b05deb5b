package feed

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/platform/polymarket"
)

// TokenResolver maps Polymarket conditions to CLOB tokens and back.
type TokenResolver interface {
	Tokens(ctx context.Context, conditionID string) (polymarket.MarketTokens, error)
	Ref(tokenID string) (domain.MarketRef, bool)
}

// PolymarketStream streams books for every Polymarket leg of a tracked pair.
// It re-resolves the pair set every refresh interval and resubscribes when
// the token set changes.
type PolymarketStream struct {
	wsURL   string
	pairs   domain.PairSource
	tokens  TokenResolver
	sink    *Sink
	refresh time.Duration
	logger  *slog.Logger
}

// NewPolymarketStream creates a stream runner.
func NewPolymarketStream(wsURL string, pairs domain.PairSource, tokens TokenResolver, sink *Sink, refresh time.Duration, logger *slog.Logger) *PolymarketStream {
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &PolymarketStream{
		wsURL:   wsURL,
		pairs:   pairs,
		tokens:  tokens,
		sink:    sink,
		refresh: refresh,
		logger:  logger.With(slog.String("component", "polymarket_feed")),
	}
}

// Run streams until ctx is cancelled.
func (s *PolymarketStream) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	var (
		current []string
		stop    context.CancelFunc = func() {}
		done    chan struct{}
	)
	defer func() { stop() }()

	for {
		assets := s.assets(ctx)
		if !slices.Equal(assets, current) {
			stop()
			if done != nil {
				<-done
			}
			current = assets
			var streamCtx context.Context
			streamCtx, stop = context.WithCancel(ctx)
			done = make(chan struct{})
			s.logger.Info("subscribing polymarket books", slog.Int("assets", len(assets)))
			go func(ctx context.Context, assets []string, done chan struct{}) {
				defer close(done)
				ms := polymarket.NewMarketStream(s.wsURL, s.tokens.Ref, func(b domain.OrderBook) {
					if err := s.sink.Put(ctx, b); err != nil {
						s.logger.Warn("book store failed", slog.String("ref", b.Ref.Key()), slog.String("error", err.Error()))
					}
				}, s.logger)
				_ = ms.Run(ctx, assets)
			}(streamCtx, assets, done)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// assets returns the sorted CLOB token ids for the Polymarket legs of all
// tracked pairs. Conditions that fail to resolve are skipped.
func (s *PolymarketStream) assets(ctx context.Context) []string {
	pairs, err := s.pairs.GetTrackedPairs(ctx)
	if err != nil {
		s.logger.Warn("list tracked pairs failed", slog.String("error", err.Error()))
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range pairs {
		for _, ref := range []domain.MarketRef{p.A, p.B} {
			if ref.Venue != domain.VenuePolymarket {
				continue
			}
			mt, err := s.tokens.Tokens(ctx, ref.MarketID)
			if err != nil {
				s.logger.Debug("token lookup failed", slog.String("condition_id", ref.MarketID), slog.String("error", err.Error()))
				continue
			}
			tok, ok := mt.Tokens[ref.Outcome]
			if !ok || seen[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
		}
	}
	slices.Sort(out)
	return out
}
