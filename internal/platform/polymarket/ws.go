package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// BookHandler receives a full book after every snapshot or delta.
type BookHandler func(domain.OrderBook)

// MarketStream keeps live books for a set of tokens from the CLOB market
// channel. Snapshots replace a book; price changes patch it.
type MarketStream struct {
	wsURL   string
	resolve func(tokenID string) (domain.MarketRef, bool)
	onBook  BookHandler
	logger  *slog.Logger

	mu     sync.Mutex
	books  map[string]*domain.OrderBook
	assets []string
}

// NewMarketStream creates a stream. resolve maps token ids back to refs;
// events for unknown tokens are dropped.
func NewMarketStream(wsURL string, resolve func(string) (domain.MarketRef, bool), onBook BookHandler, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		wsURL:   wsURL,
		resolve: resolve,
		onBook:  onBook,
		logger:  logger.With(slog.String("component", "polymarket_stream")),
		books:   make(map[string]*domain.OrderBook),
	}
}

// Run subscribes to assetIDs and reconnects with backoff until ctx is done.
func (s *MarketStream) Run(ctx context.Context, assetIDs []string) error {
	if len(assetIDs) == 0 {
		s.logger.Info("no assets to stream")
		return nil
	}
	s.mu.Lock()
	s.assets = append([]string(nil), assetIDs...)
	s.mu.Unlock()

	delay := reconnectDelay
	for {
		started := time.Now()
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > maxReconnectDelay {
			delay = reconnectDelay
		}
		s.logger.Warn("market stream disconnected",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (s *MarketStream) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(dialCtx, s.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	sub := wsSubscribe{Type: "market", AssetIDs: s.assets}
	s.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket/ws: %w: %w", domain.ErrWSDisconnect, err)
		}
		s.handleMessage(raw)
	}
}

// handleMessage accepts a single event or an array of events.
func (s *MarketStream) handleMessage(raw []byte) {
	raw = bytes.TrimSpace(raw)
	var events []wsEvent
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return
		}
	} else {
		var ev wsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		events = []wsEvent{ev}
	}
	for _, ev := range events {
		s.apply(ev)
	}
}

func (s *MarketStream) apply(ev wsEvent) {
	switch ev.EventType {
	case "book":
		ref, ok := s.resolve(ev.AssetID)
		if !ok {
			return
		}
		book := &domain.OrderBook{
			Ref:       ref,
			Bids:      toLevels(ev.Bids),
			Asks:      toLevels(ev.Asks),
			Timestamp: parseTimestamp(ev.Timestamp),
		}
		sortBook(book)
		s.mu.Lock()
		s.books[ev.AssetID] = book
		out := cloneBook(book)
		s.mu.Unlock()
		s.onBook(out)

	case "price_change":
		touched := make(map[string]struct{})
		s.mu.Lock()
		for _, pc := range ev.PriceChanges {
			asset := pc.AssetID
			if asset == "" {
				asset = ev.AssetID
			}
			book, ok := s.books[asset]
			if !ok {
				continue
			}
			if pc.Side == "BUY" {
				book.Bids = setLevel(book.Bids, float64(pc.Price), float64(pc.Size))
			} else {
				book.Asks = setLevel(book.Asks, float64(pc.Price), float64(pc.Size))
			}
			sortBook(book)
			book.Timestamp = parseTimestamp(ev.Timestamp)
			touched[asset] = struct{}{}
		}
		out := make([]domain.OrderBook, 0, len(touched))
		for asset := range touched {
			out = append(out, cloneBook(s.books[asset]))
		}
		s.mu.Unlock()
		for _, b := range out {
			s.onBook(b)
		}
	}
}

// setLevel replaces the size at price, removing the level when size is zero.
func setLevel(levels []domain.BookLevel, price, size float64) []domain.BookLevel {
	for i, l := range levels {
		if l.Price == price {
			if size <= 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size <= 0 {
		return levels
	}
	return append(levels, domain.BookLevel{Price: price, Size: size})
}

func cloneBook(b *domain.OrderBook) domain.OrderBook {
	out := *b
	out.Bids = append([]domain.BookLevel(nil), b.Bids...)
	out.Asks = append([]domain.BookLevel(nil), b.Asks...)
	return out
}
