// Package feed keeps the quote cache current. Books arrive from venue REST
// polling, the Polymarket market stream, or other engine instances over the
// signal bus, and all of them land in the same BookCache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// BooksChannel is the signal bus channel carrying JSON order books.
const BooksChannel = "books"

// Sink writes books to the cache and, when a bus is set, republishes them so
// instances without their own feed see the same quotes.
type Sink struct {
	cache  domain.BookCache
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewSink creates a sink. bus may be nil.
func NewSink(cache domain.BookCache, bus domain.SignalBus, logger *slog.Logger) *Sink {
	return &Sink{cache: cache, bus: bus, logger: logger.With(slog.String("component", "book_sink"))}
}

// Put stores book and publishes it.
func (s *Sink) Put(ctx context.Context, book domain.OrderBook) error {
	if err := s.cache.SetBook(ctx, book); err != nil {
		return fmt.Errorf("feed: cache book %s: %w", book.Ref.Key(), err)
	}
	if s.bus == nil {
		return nil
	}
	payload, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("feed: marshal book: %w", err)
	}
	if err := s.bus.Publish(ctx, BooksChannel, payload); err != nil {
		s.logger.Debug("book publish failed", slog.String("ref", book.Ref.Key()), slog.String("error", err.Error()))
	}
	return nil
}
