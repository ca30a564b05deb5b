package domain

import (
	"errors"
	"fmt"
)

// ReasonCode is the machine-readable cause recorded on a rejected, aborted
// or closed strategy.
type ReasonCode string

const (
	ReasonNone                   ReasonCode = ""
	ReasonVenueRejected          ReasonCode = "venue_rejected"
	ReasonVenueUnavailable       ReasonCode = "venue_unavailable"
	ReasonVenueTimeout           ReasonCode = "venue_timeout"
	ReasonOrderNotFound          ReasonCode = "order_not_found"
	ReasonAlreadyTerminal        ReasonCode = "already_terminal"
	ReasonInsufficientLiquidity  ReasonCode = "insufficient_liquidity"
	ReasonEdgeBelowHurdle        ReasonCode = "edge_below_hurdle"
	ReasonPersistenceUnavailable ReasonCode = "persistence_unavailable"
	ReasonExposureLimitExceeded  ReasonCode = "exposure_limit_exceeded"
	ReasonInvalidPrice           ReasonCode = "invalid_price"
	ReasonCancelFailed           ReasonCode = "cancel_failed"
	ReasonUnwindFailed           ReasonCode = "unwind_failed"
	ReasonLegNotFilled           ReasonCode = "leg_not_filled"
	ReasonSlippageExceeded       ReasonCode = "slippage_exceeded"
	ReasonUserCancel             ReasonCode = "user_cancel"
	ReasonUserReject             ReasonCode = "user_reject"
	ReasonUserAbort              ReasonCode = "user_abort"
	ReasonProfitTarget           ReasonCode = "profit_target"
	ReasonStopLoss               ReasonCode = "stop_loss"
	ReasonTimeExit               ReasonCode = "time_exit"
	ReasonUserClose              ReasonCode = "user_close"
	ReasonInternalError          ReasonCode = "internal_error"
)

var reasonByErr = []struct {
	err  error
	code ReasonCode
}{
	{ErrVenueRejected, ReasonVenueRejected},
	{ErrVenueUnavailable, ReasonVenueUnavailable},
	{ErrVenueTimeout, ReasonVenueTimeout},
	{ErrOrderNotFound, ReasonOrderNotFound},
	{ErrAlreadyTerminal, ReasonAlreadyTerminal},
	{ErrInsufficientLiquidity, ReasonInsufficientLiquidity},
	{ErrEdgeBelowHurdle, ReasonEdgeBelowHurdle},
	{ErrPersistenceUnavailable, ReasonPersistenceUnavailable},
	{ErrExposureLimitExceeded, ReasonExposureLimitExceeded},
	{ErrInvalidPrice, ReasonInvalidPrice},
}

// ReasonFor classifies err into a reason code. Unknown errors map to
// internal_error.
func ReasonFor(err error) ReasonCode {
	if err == nil {
		return ReasonNone
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Code
	}
	for _, r := range reasonByErr {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ReasonInternalError
}

// Rejection is the user-visible explanation attached to a strategy that was
// rejected, refused admission or aborted. Leg is -1 when no single leg caused it.
type Rejection struct {
	Code   ReasonCode `json:"code"`
	Leg    int        `json:"leg"`
	Detail string     `json:"detail,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Leg >= 0 {
		return fmt.Sprintf("%s (leg %d): %s", r.Code, r.Leg, r.Detail)
	}
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Is lets errors.Is match a Rejection against the sentinel for its code.
func (r *Rejection) Is(target error) bool {
	for _, e := range reasonByErr {
		if e.code == r.Code && e.err == target {
			return true
		}
	}
	return false
}

// Reject builds a Rejection from err. The leg index is -1 for strategy-level causes.
func Reject(err error, leg int) *Rejection {
	var rej *Rejection
	if errors.As(err, &rej) {
		out := *rej
		if out.Leg < 0 {
			out.Leg = leg
		}
		return &out
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Rejection{Code: ReasonFor(err), Leg: leg, Detail: detail}
}
