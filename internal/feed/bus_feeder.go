package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// BusFeeder subscribes to BooksChannel and stores every book it receives in
// a local cache. It lets an instance without venue credentials quote from
// books fetched elsewhere.
type BusFeeder struct {
	bus    domain.SignalBus
	cache  domain.BookCache
	logger *slog.Logger
}

// NewBusFeeder creates a BusFeeder.
func NewBusFeeder(bus domain.SignalBus, cache domain.BookCache, logger *slog.Logger) *BusFeeder {
	return &BusFeeder{
		bus:    bus,
		cache:  cache,
		logger: logger.With(slog.String("component", "bus_feeder")),
	}
}

// Run consumes books until ctx is cancelled or the subscription closes.
func (f *BusFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, BooksChannel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", BooksChannel, err)
	}
	f.logger.Info("bus feeder started")
	defer f.logger.Info("bus feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Debug("bus feeder handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *BusFeeder) handleMessage(ctx context.Context, data []byte) error {
	var book domain.OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return err
	}
	if book.Ref.MarketID == "" {
		return errors.New("book without market ref")
	}
	return f.cache.SetBook(ctx, book)
}
