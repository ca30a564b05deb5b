// Package notify delivers operator alerts to chat channels (Telegram,
// Discord). Alerts can be filtered by event name and minimum severity.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const sendTimeout = 10 * time.Second

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier implements domain.Alerter by fanning alerts out to its senders.
// Alert never blocks the caller; Close waits for in-flight deliveries.
type Notifier struct {
	senders  []Sender
	events   map[string]bool // allowed event names, empty allows all
	minLevel domain.AlertLevel
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewNotifier creates a Notifier. An empty events list forwards every event.
func NewNotifier(senders []Sender, events []string, minLevel domain.AlertLevel, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if minLevel == "" {
		minLevel = domain.AlertInfo
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		minLevel: minLevel,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Alert logs a and delivers it asynchronously if it passes the filters.
func (n *Notifier) Alert(ctx context.Context, a domain.Alert) {
	n.logger.Log(ctx, slogLevel(a.Level), "alert",
		slog.String("event", a.Event),
		slog.String("strategy_id", a.StrategyID),
		slog.String("reason", string(a.Reason)),
		slog.String("message", a.Message),
	)
	if !n.allows(a) || len(n.senders) == 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		_ = n.Notify(sctx, a)
	}()
}

// Notify delivers a to every sender synchronously. A failing sender does not
// stop delivery to the others; all failures are joined.
func (n *Notifier) Notify(ctx context.Context, a domain.Alert) error {
	title, message := format(a)
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("event", a.Event))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), err)
	}
	return nil
}

// Close waits for pending deliveries.
func (n *Notifier) Close() { n.wg.Wait() }

func (n *Notifier) allows(a domain.Alert) bool {
	if len(n.events) > 0 && !n.events[a.Event] {
		return false
	}
	return levelRank(a.Level) >= levelRank(n.minLevel)
}

func format(a domain.Alert) (string, string) {
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Level)), a.Title)
	var b strings.Builder
	b.WriteString(a.Message)
	if a.StrategyID != "" {
		fmt.Fprintf(&b, "\nstrategy: %s", a.StrategyID)
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", a.Reason)
	}
	return title, b.String()
}

func levelRank(l domain.AlertLevel) int {
	switch l {
	case domain.AlertCritical:
		return 2
	case domain.AlertWarning:
		return 1
	default:
		return 0
	}
}

func slogLevel(l domain.AlertLevel) slog.Level {
	switch l {
	case domain.AlertCritical:
		return slog.LevelError
	case domain.AlertWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Tee forwards each alert to every non-nil alerter.
type Tee []domain.Alerter

func (t Tee) Alert(ctx context.Context, a domain.Alert) {
	for _, al := range t {
		if al != nil {
			al.Alert(ctx, a)
		}
	}
}

var (
	_ domain.Alerter = (*Notifier)(nil)
	_ domain.Alerter = Tee(nil)
)
