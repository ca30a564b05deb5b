package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// PairHandler serves /api/pairs. Registration is the ingest path for the
// pairing process; the engine itself only reads pairs.
type PairHandler struct {
	pairs    domain.PairStore
	validate *validator.Validate
	logger   *slog.Logger
}

func NewPairHandler(pairs domain.PairStore, logger *slog.Logger) *PairHandler {
	return &PairHandler{pairs: pairs, validate: validator.New(), logger: logHandler(logger, "pair")}
}

func (h *PairHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/pairs", h.List)
	mux.HandleFunc("GET /api/pairs/{id}", h.Get)
	mux.HandleFunc("PUT /api/pairs", h.Upsert)
}

type refRequest struct {
	Venue    string `json:"venue" validate:"required,oneof=kalshi polymarket paper"`
	MarketID string `json:"market_id" validate:"required"`
	Outcome  string `json:"outcome" validate:"required,oneof=yes no"`
}

func (r refRequest) ref() domain.MarketRef {
	return domain.MarketRef{Venue: domain.Venue(r.Venue), MarketID: r.MarketID, Outcome: domain.Outcome(r.Outcome)}
}

type pairRequest struct {
	ID             string     `json:"id,omitempty"`
	A              refRequest `json:"a"`
	B              refRequest `json:"b"`
	Kind           string     `json:"kind" validate:"omitempty,oneof=complementary same_outcome"`
	Correlation    float64    `json:"correlation" validate:"gt=0,lte=1"`
	PriceOffset    float64    `json:"price_offset" validate:"gt=-1,lt=1"`
	AlertThreshold float64    `json:"alert_threshold" validate:"gte=0,lt=1"`
	Active         *bool      `json:"active,omitempty"`
}

type listPairsResponse struct {
	Pairs []domain.MarketPair `json:"pairs"`
}

// List returns tracked pairs.
// GET /api/pairs
func (h *PairHandler) List(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.pairs.GetTrackedPairs(r.Context())
	if err != nil {
		writeCommandError(w, r, h.logger, "list pairs", err)
		return
	}
	if pairs == nil {
		pairs = []domain.MarketPair{}
	}
	writeJSON(w, http.StatusOK, listPairsResponse{Pairs: pairs})
}

// GET /api/pairs/{id}
func (h *PairHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.pairs.GetPair(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, r, h.logger, "get pair", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Upsert registers or replaces a pair. Pairs are active unless stated.
// PUT /api/pairs
func (h *PairHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := domain.MarketPair{
		ID:             req.ID,
		A:              req.A.ref(),
		B:              req.B.ref(),
		Kind:           domain.PairKind(req.Kind),
		Correlation:    req.Correlation,
		PriceOffset:    req.PriceOffset,
		AlertThreshold: req.AlertThreshold,
		Active:         req.Active == nil || *req.Active,
	}
	if p.ID == "" {
		p.ID = domain.PairID(p.A, p.B)
	}
	if err := h.pairs.Upsert(r.Context(), p); err != nil {
		writeCommandError(w, r, h.logger, "upsert pair", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
