package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// EventReplayer reads the persisted strategy event log.
type EventReplayer interface {
	Replay(ctx context.Context, lastID string, count int) ([]domain.StrategyEvent, string, error)
}

// EventsHandler lets clients catch up on events missed while disconnected.
type EventsHandler struct {
	log    EventReplayer
	logger *slog.Logger
}

func NewEventsHandler(log EventReplayer, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{log: log, logger: logHandler(logger, "events")}
}

type replayResponse struct {
	Events []domain.StrategyEvent `json:"events"`
	Next   string                 `json:"next"`
}

// Replay returns up to count events after the given cursor.
// GET /api/events?after=1700000000000-0&count=100
func (h *EventsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid count")
			return
		}
		count = min(n, 1000)
	}
	events, next, err := h.log.Replay(r.Context(), r.URL.Query().Get("after"), count)
	if err != nil {
		writeCommandError(w, r, h.logger, "replay events", err)
		return
	}
	if events == nil {
		events = []domain.StrategyEvent{}
	}
	writeJSON(w, http.StatusOK, replayResponse{Events: events, Next: next})
}
