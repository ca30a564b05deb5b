// Package handler implements the HTTP command surface of the engine.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const maxBodyBytes = 1 << 20

// writeJSON marshals v and writes it with the given status. A marshal
// failure becomes a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

type errorBody struct {
	Error  string            `json:"error"`
	Reason domain.ReasonCode `json:"reason,omitempty"`
	// Strategy is the state left behind by a refused command, e.g. a
	// CONFIRMED strategy that failed admission.
	Strategy *domain.Strategy `json:"strategy,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// errorStatus maps command errors onto HTTP statuses.
var errorStatus = []struct {
	err    error
	status int
}{
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrInvalidStrategy, http.StatusBadRequest},
	{domain.ErrInvalidPrice, http.StatusBadRequest},
	{domain.ErrInvalidTransition, http.StatusConflict},
	{domain.ErrLegsImmutable, http.StatusConflict},
	{domain.ErrWrongMode, http.StatusConflict},
	{domain.ErrNoDecisionPending, http.StatusConflict},
	{domain.ErrAlreadyExists, http.StatusConflict},
	{domain.ErrLockHeld, http.StatusConflict},
	{domain.ErrExposureLimitExceeded, http.StatusUnprocessableEntity},
	{domain.ErrEdgeBelowHurdle, http.StatusUnprocessableEntity},
	{domain.ErrInsufficientLiquidity, http.StatusUnprocessableEntity},
	{domain.ErrRateLimited, http.StatusTooManyRequests},
	{domain.ErrPersistenceUnavailable, http.StatusServiceUnavailable},
	{domain.ErrVenueUnavailable, http.StatusBadGateway},
	{domain.ErrVenueRejected, http.StatusBadGateway},
	{domain.ErrVenueTimeout, http.StatusGatewayTimeout},
}

func statusFor(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// writeCommandError reports err with its reason code. Only unexpected
// failures are logged at error level.
func writeCommandError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	writeCommandErrorWith(w, r, logger, op, err, nil)
}

func writeCommandErrorWith(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error, st *domain.Strategy) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeJSON(w, status, errorBody{Error: op + " failed", Reason: domain.ReasonInternalError})
		return
	}
	logger.DebugContext(r.Context(), "handler: "+op+" refused", slog.String("error", err.Error()))
	reason := domain.ReasonFor(err)
	if reason == domain.ReasonInternalError {
		reason = domain.ReasonNone
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Reason: reason, Strategy: st})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts reads limit, offset, since and until (RFC 3339) from the
// query string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid offset %q", v)
		}
		opts.Offset = n
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = &t
	}
	return opts, nil
}

func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
