package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	// EventsChannel carries live strategy events for WebSocket fan-out.
	EventsChannel = "strategy_events"
	// EventsStream keeps a bounded, replayable log of the same events.
	EventsStream = "strategy_events:log"

	publishTimeout = 2 * time.Second
)

// EventPublisher implements domain.EventPublisher over a SignalBus. Events
// are published and appended to the stream; failures are logged and never
// block the state machine.
type EventPublisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventPublisher creates a publisher on bus.
func NewEventPublisher(bus domain.SignalBus, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{bus: bus, logger: logger.With(slog.String("component", "event_publisher"))}
}

func (p *EventPublisher) PublishEvent(ev domain.StrategyEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal strategy event", slog.String("strategy_id", ev.StrategyID), slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, EventsChannel, payload); err != nil {
		p.logger.Warn("publish strategy event", slog.String("strategy_id", ev.StrategyID), slog.String("error", err.Error()))
	}
	if err := p.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
		p.logger.Warn("append strategy event", slog.String("strategy_id", ev.StrategyID), slog.String("error", err.Error()))
	}
}

// Subscribe decodes live events until ctx is done.
func (p *EventPublisher) Subscribe(ctx context.Context) (<-chan domain.StrategyEvent, error) {
	raw, err := p.bus.Subscribe(ctx, EventsChannel)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.StrategyEvent, 64)
	go func() {
		defer close(out)
		for data := range raw {
			var ev domain.StrategyEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Replay returns up to count logged events after lastID together with the
// id to resume from.
func (p *EventPublisher) Replay(ctx context.Context, lastID string, count int) ([]domain.StrategyEvent, string, error) {
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := p.bus.StreamRead(ctx, EventsStream, lastID, count)
	if err != nil {
		return nil, lastID, fmt.Errorf("redis: replay events: %w", err)
	}
	events := make([]domain.StrategyEvent, 0, len(msgs))
	for _, m := range msgs {
		lastID = m.ID
		var ev domain.StrategyEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, lastID, nil
}

var _ domain.EventPublisher = (*EventPublisher)(nil)
