package domain

import (
	"context"
	"time"
)

// EventKind classifies strategy events published on the signal bus.
type EventKind string

const (
	EventTransition EventKind = "transition"
	EventLeg        EventKind = "leg"
	EventDecision   EventKind = "decision"
	EventAlert      EventKind = "alert"
)

// StrategyEvent is published whenever a strategy or one of its legs changes.
type StrategyEvent struct {
	Kind       EventKind      `json:"kind"`
	StrategyID string         `json:"strategy_id"`
	From       StrategyStatus `json:"from,omitempty"`
	To         StrategyStatus `json:"to,omitempty"`
	Reason     ReasonCode     `json:"reason,omitempty"`
	Leg        *StrategyLeg   `json:"leg,omitempty"`
	At         time.Time      `json:"at"`
}

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is a human-facing notification, e.g. a decision point or a failed unwind.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Event      string     `json:"event"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	StrategyID string     `json:"strategy_id,omitempty"`
	Reason     ReasonCode `json:"reason,omitempty"`
	At         time.Time  `json:"at"`
}

// EventPublisher fans strategy events out to subscribers.
type EventPublisher interface {
	PublishEvent(ev StrategyEvent)
}

// Alerter delivers alerts to operators.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}
