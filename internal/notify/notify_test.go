package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type recordingSender struct {
	mu    sync.Mutex
	name  string
	err   error
	sends []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, title+"|"+message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_Filters(t *testing.T) {
	tests := []struct {
		name     string
		events   []string
		minLevel domain.AlertLevel
		alert    domain.Alert
		want     int
	}{
		{"no filters", nil, "", domain.Alert{Event: "spread_alert", Level: domain.AlertInfo}, 1},
		{"event allowed", []string{"unwind_failed", " decision_required "}, "", domain.Alert{Event: "decision_required"}, 1},
		{"event filtered", []string{"unwind_failed"}, "", domain.Alert{Event: "spread_alert"}, 0},
		{"below level", nil, domain.AlertWarning, domain.Alert{Event: "spread_alert", Level: domain.AlertInfo}, 0},
		{"at level", nil, domain.AlertWarning, domain.Alert{Event: "strategy_partial", Level: domain.AlertWarning}, 1},
		{"above level", nil, domain.AlertWarning, domain.Alert{Event: "unwind_failed", Level: domain.AlertCritical}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSender{name: "rec"}
			n := NewNotifier([]Sender{s}, tt.events, tt.minLevel, discard())
			n.Alert(context.Background(), tt.alert)
			n.Close()
			assert.Equal(t, tt.want, s.count())
		})
	}
}

func TestNotifier_FormatsAndSurvivesFailures(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, "", discard())

	err := n.Notify(context.Background(), domain.Alert{
		Level:      domain.AlertCritical,
		Title:      "Unwind failed",
		Message:    "residual exposure on kalshi",
		StrategyID: "s-1",
		Reason:     domain.ReasonUnwindFailed,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	require.Equal(t, 1, good.count())
	assert.Equal(t, "[CRITICAL] Unwind failed|residual exposure on kalshi\nstrategy: s-1\nreason: unwind_failed", good.sends[0])
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "T", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*T*\nbody", got["text"])
}

func TestDiscordSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "T", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 429")
}

type countingAlerter struct{ n int }

func (c *countingAlerter) Alert(context.Context, domain.Alert) { c.n++ }

func TestTee(t *testing.T) {
	a, b := &countingAlerter{}, &countingAlerter{}
	Tee{a, nil, b}.Alert(context.Background(), domain.Alert{})
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
