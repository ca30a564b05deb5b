package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Scanner runs one opportunity scan on demand.
type Scanner interface {
	Scan(ctx context.Context) ([]domain.Strategy, error)
}

// TriggerHandler runs background jobs on request: an immediate scan, or an
// archive pass with an explicit cutoff.
type TriggerHandler struct {
	scanner   Scanner
	archiver  domain.Archiver
	retention time.Duration
	logger    *slog.Logger
}

// NewTriggerHandler creates a TriggerHandler. Either job may be nil, in which
// case its endpoint answers 503.
func NewTriggerHandler(scanner Scanner, archiver domain.Archiver, retention time.Duration, logger *slog.Logger) *TriggerHandler {
	return &TriggerHandler{scanner: scanner, archiver: archiver, retention: retention, logger: logHandler(logger, "trigger")}
}

func (h *TriggerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/scan", h.Scan)
	mux.HandleFunc("POST /api/archive", h.Archive)
}

// Scan proposes strategies for every pair currently clearing the hurdle.
// POST /api/scan
func (h *TriggerHandler) Scan(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner disabled")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: scan requested")
	proposed, err := h.scanner.Scan(r.Context())
	if err != nil {
		writeCommandError(w, r, h.logger, "scan", err)
		return
	}
	if proposed == nil {
		proposed = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, listStrategiesResponse{Strategies: proposed})
}

// Archive moves settled strategies to the blob store. The cutoff defaults to
// now minus the configured retention.
// POST /api/archive?before=2026-01-01T00:00:00Z
func (h *TriggerHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "archiver disabled")
		return
	}
	before := time.Now().Add(-h.retention)
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = t
	}
	n, err := h.archiver.ArchiveStrategies(r.Context(), before)
	if err != nil {
		writeCommandError(w, r, h.logger, "archive", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archived": n,
		"before":   before.UTC().Format(time.RFC3339),
	})
}
