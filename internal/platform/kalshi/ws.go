package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	kalshiWriteWait         = 10 * time.Second
	kalshiPongWait          = 30 * time.Second
	kalshiPingPeriod        = (kalshiPongWait * 9) / 10
	kalshiReconnectDelay    = 2 * time.Second
	kalshiMaxReconnectDelay = 60 * time.Second

	// fills that arrive before anyone subscribes are replayed for this long.
	replayWindow = 2 * time.Minute
)

// FillStream is an authenticated WebSocket client for the Kalshi "fill"
// channel. It implements domain.FillFeed.
type FillStream struct {
	wsURL  string
	signer *crypto.RSASigner
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	cmdID  int64

	subMu  sync.Mutex
	subs   map[string]map[chan domain.FillEvent]struct{}
	recent map[string][]domain.FillEvent

	done chan struct{}
}

// NewFillStream creates a fill stream for wsURL.
func NewFillStream(wsURL string, signer *crypto.RSASigner, logger *slog.Logger) *FillStream {
	return &FillStream{
		wsURL:  wsURL,
		signer: signer,
		logger: logger.With(slog.String("component", "kalshi_fills")),
		subs:   make(map[string]map[chan domain.FillEvent]struct{}),
		recent: make(map[string][]domain.FillEvent),
		done:   make(chan struct{}),
	}
}

// Connect dials the socket and subscribes to fills.
func (w *FillStream) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("kalshi/ws: %w", domain.ErrWSDisconnect)
	}

	u, err := url.Parse(w.wsURL)
	if err != nil {
		return fmt.Errorf("kalshi/ws: parse url: %w", err)
	}
	signed, err := w.signer.Headers(http.MethodGet, u.Path)
	if err != nil {
		return fmt.Errorf("kalshi/ws: %w: %w", domain.ErrSigningFailed, err)
	}
	header := http.Header{}
	for k, v := range signed {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, header)
	if err != nil {
		return fmt.Errorf("kalshi/ws: connect: %w", err)
	}
	w.conn = conn

	conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
		return nil
	})

	w.cmdID++
	data, err := json.Marshal(wsCommand{ID: w.cmdID, Cmd: "subscribe", Params: wsCommandParams{Channels: []string{"fill"}}})
	if err != nil {
		return fmt.Errorf("kalshi/ws: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(kalshiWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		w.conn = nil
		return fmt.Errorf("kalshi/ws: subscribe: %w", err)
	}

	go w.readLoop(conn)
	go w.pingLoop(conn)
	return nil
}

// SubscribeFills streams fills for orderID until ctx is done, starting with
// any fills seen in the replay window.
func (w *FillStream) SubscribeFills(ctx context.Context, orderID string) (<-chan domain.FillEvent, error) {
	w.mu.RLock()
	connected := w.conn != nil && !w.closed
	w.mu.RUnlock()
	if !connected {
		return nil, fmt.Errorf("kalshi/ws: %w", domain.ErrWSDisconnect)
	}

	ch := make(chan domain.FillEvent, 32)
	w.subMu.Lock()
	for _, f := range w.recent[orderID] {
		select {
		case ch <- f:
		default:
		}
	}
	if w.subs[orderID] == nil {
		w.subs[orderID] = make(map[chan domain.FillEvent]struct{})
	}
	w.subs[orderID][ch] = struct{}{}
	w.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
		}
		w.subMu.Lock()
		delete(w.subs[orderID], ch)
		if len(w.subs[orderID]) == 0 {
			delete(w.subs, orderID)
		}
		w.subMu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Close shuts down the connection.
func (w *FillStream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (w *FillStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("fill stream disconnected", slog.String("error", err.Error()))
			w.mu.Lock()
			if w.conn == conn {
				w.conn = nil
			}
			w.mu.Unlock()
			w.reconnect()
			return
		}
		w.handleMessage(message)
	}
}

func (w *FillStream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(kalshiPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			current := w.conn == conn
			if current {
				conn.SetWriteDeadline(time.Now().Add(kalshiWriteWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				current = err == nil
			}
			w.mu.Unlock()
			if !current {
				return
			}
		}
	}
}

func (w *FillStream) handleMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	switch env.Type {
	case "fill":
		var f wsFill
		if err := json.Unmarshal(env.Msg, &f); err != nil {
			return
		}
		w.dispatch(toFillEvent(f))
	case "error":
		w.logger.Warn("fill stream error", slog.String("msg", string(env.Msg)))
	}
}

func (w *FillStream) dispatch(ev domain.FillEvent) {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	cutoff := time.Now().Add(-replayWindow)
	for id, evs := range w.recent {
		if len(evs) > 0 && evs[len(evs)-1].At.Before(cutoff) {
			delete(w.recent, id)
		}
	}
	w.recent[ev.OrderID] = append(w.recent[ev.OrderID], ev)

	for ch := range w.subs[ev.OrderID] {
		select {
		case ch <- ev:
		default:
			w.logger.Warn("fill subscriber full, dropping event", slog.String("order_id", ev.OrderID))
		}
	}
}

func toFillEvent(f wsFill) domain.FillEvent {
	price := f.YesPrice
	if f.Side == "no" {
		price = f.NoPrice
	}
	at := time.Now()
	if f.TS > 0 {
		at = time.Unix(f.TS, 0)
	}
	return domain.FillEvent{
		Venue:    domain.VenueKalshi,
		OrderID:  f.OrderID,
		Quantity: float64(f.Count),
		Price:    float64(price) / 100,
		At:       at,
	}
}

func (w *FillStream) reconnect() {
	delay := kalshiReconnectDelay
	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			w.logger.Info("fill stream reconnected")
			return
		}

		delay *= 2
		if delay > kalshiMaxReconnectDelay {
			delay = kalshiMaxReconnectDelay
		}
	}
}
