package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// StatusSource exposes the engine's exposure ledger and audit trail.
type StatusSource interface {
	Exposure() domain.ExposureSnapshot
	Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// StatusHandler serves /api/status, /api/exposure and /api/audit.
type StatusHandler struct {
	src       StatusSource
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

func NewStatusHandler(src StatusSource, mode string, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{src: src, mode: mode, startedAt: startedAt, logger: logHandler(logger, "status")}
}

func (h *StatusHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("GET /api/exposure", h.GetExposure)
	mux.HandleFunc("GET /api/audit", h.ListAudit)
}

// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"exposure":       h.src.Exposure(),
	})
}

// GET /api/exposure
func (h *StatusHandler) GetExposure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Exposure())
}

type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?since=...&until=...&limit=50
func (h *StatusHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.src.Audit(r.Context(), opts)
	if err != nil {
		writeCommandError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}
