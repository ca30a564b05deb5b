package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/service"
)

// StrategyCommands is the service surface the strategy endpoints drive.
type StrategyCommands interface {
	Propose(ctx context.Context, req service.ProposeRequest) (domain.Strategy, error)
	Confirm(ctx context.Context, id string, execute bool) (domain.Strategy, error)
	Execute(ctx context.Context, id string) (domain.Strategy, error)
	Reject(ctx context.Context, id, detail string) (domain.Strategy, error)
	Cancel(ctx context.Context, id string) (domain.Strategy, error)
	Get(ctx context.Context, id string) (domain.Strategy, error)
	List(ctx context.Context, filter domain.StrategyFilter) ([]domain.Strategy, error)
	Amend(ctx context.Context, id string, req service.AmendRequest) (domain.Strategy, error)
	Continue(ctx context.Context, id string) (domain.Strategy, error)
	Decide(ctx context.Context, id string, req service.DecisionRequest) (domain.Strategy, error)
	ReportFill(ctx context.Context, id string, req service.FillRequest) (domain.Strategy, error)
	FinishManual(ctx context.Context, id string) (domain.Strategy, error)
	Unwind(ctx context.Context, id string) (domain.Strategy, error)
	Close(ctx context.Context, id string, req service.CloseRequest) (domain.Strategy, error)
}

// StrategyHandler serves /api/strategies.
type StrategyHandler struct {
	svc    StrategyCommands
	logger *slog.Logger
}

func NewStrategyHandler(svc StrategyCommands, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{svc: svc, logger: logHandler(logger, "strategy")}
}

// Register mounts the strategy routes on mux.
func (h *StrategyHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/strategies", h.List)
	mux.HandleFunc("POST /api/strategies", h.Propose)
	mux.HandleFunc("GET /api/strategies/{id}", h.Get)
	mux.HandleFunc("POST /api/strategies/{id}/confirm", h.Confirm)
	mux.HandleFunc("POST /api/strategies/{id}/execute", h.command("execute", h.svc.Execute))
	mux.HandleFunc("POST /api/strategies/{id}/reject", h.Reject)
	mux.HandleFunc("POST /api/strategies/{id}/cancel", h.command("cancel", h.svc.Cancel))
	mux.HandleFunc("PATCH /api/strategies/{id}/prices", h.Amend)
	mux.HandleFunc("POST /api/strategies/{id}/continue", h.command("continue", h.svc.Continue))
	mux.HandleFunc("POST /api/strategies/{id}/decision", h.Decide)
	mux.HandleFunc("POST /api/strategies/{id}/fills", h.ReportFill)
	mux.HandleFunc("POST /api/strategies/{id}/finish", h.command("finish", h.svc.FinishManual))
	mux.HandleFunc("POST /api/strategies/{id}/unwind", h.command("unwind", h.svc.Unwind))
	mux.HandleFunc("POST /api/strategies/{id}/close", h.Close)
}

type listStrategiesResponse struct {
	Strategies []domain.Strategy `json:"strategies"`
}

// List returns strategies, newest first.
// GET /api/strategies?status=ACTIVE,PARTIAL&pair_id=...&limit=50&offset=0
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := domain.StrategyFilter{PairID: r.URL.Query().Get("pair_id"), ListOpts: opts}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			filter.Statuses = append(filter.Statuses, domain.StrategyStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	out, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeCommandError(w, r, h.logger, "list strategies", err)
		return
	}
	if out == nil {
		out = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, listStrategiesResponse{Strategies: out})
}

// Propose records a new PROPOSED strategy.
// POST /api/strategies
func (h *StrategyHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var req service.ProposeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.svc.Propose(r.Context(), req)
	if err != nil {
		writeCommandError(w, r, h.logger, "propose", err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// Get returns one strategy.
// GET /api/strategies/{id}
func (h *StrategyHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, r, h.logger, "get strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Confirm moves a PROPOSED strategy to CONFIRMED, executing it when
// ?execute=true or the engine auto-executes.
// POST /api/strategies/{id}/confirm
func (h *StrategyHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	execute := false
	if v := r.URL.Query().Get("execute"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid execute flag")
			return
		}
		execute = b
	}
	st, err := h.svc.Confirm(r.Context(), r.PathValue("id"), execute)
	h.respond(w, r, "confirm", st, err)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject declines a PROPOSED strategy.
// POST /api/strategies/{id}/reject
func (h *StrategyHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.svc.Reject(r.Context(), r.PathValue("id"), req.Reason)
	h.respond(w, r, "reject", st, err)
}

// Amend changes leg prices of a PROPOSED strategy.
// PATCH /api/strategies/{id}/prices
func (h *StrategyHandler) Amend(w http.ResponseWriter, r *http.Request) {
	var req service.AmendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.svc.Amend(r.Context(), r.PathValue("id"), req)
	h.respond(w, r, "amend", st, err)
}

// Decide resolves a TOLERANT decision point.
// POST /api/strategies/{id}/decision
func (h *StrategyHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.svc.Decide(r.Context(), r.PathValue("id"), req)
	h.respond(w, r, "decide", st, err)
}

// ReportFill records an externally executed fill on a MANUAL strategy.
// POST /api/strategies/{id}/fills
func (h *StrategyHandler) ReportFill(w http.ResponseWriter, r *http.Request) {
	var req service.FillRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.svc.ReportFill(r.Context(), r.PathValue("id"), req)
	h.respond(w, r, "report fill", st, err)
}

// Close exits an ACTIVE strategy.
// POST /api/strategies/{id}/close
func (h *StrategyHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req service.CloseRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.svc.Close(r.Context(), r.PathValue("id"), req)
	h.respond(w, r, "close", st, err)
}

// command adapts a bodiless per-strategy command.
func (h *StrategyHandler) command(op string, fn func(context.Context, string) (domain.Strategy, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := fn(r.Context(), r.PathValue("id"))
		h.respond(w, r, op, st, err)
	}
}

func (h *StrategyHandler) respond(w http.ResponseWriter, r *http.Request, op string, st domain.Strategy, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, st)
		return
	}
	var left *domain.Strategy
	if st.ID != "" {
		left = &st
	}
	writeCommandErrorWith(w, r, h.logger, op, err, left)
}
