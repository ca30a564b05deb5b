package coordinator

import (
	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Aggregate decides a strategy's post-execution status from its final legs.
// ACTIVE requires every leg FILLED at or above minQty; no fills at all is
// CANCELLED; anything in between is PARTIAL and needs a directed unwind.
// errs carries the executor error of each failed leg, if any.
func Aggregate(legs []domain.StrategyLeg, minQty float64, errs map[int]error) (domain.StrategyStatus, *domain.Rejection) {
	var (
		anyFilled bool
		firstBad  = -1
	)
	for i, l := range legs {
		if l.FilledQty > 0 {
			anyFilled = true
		}
		if !entered(l, minQty) && firstBad < 0 {
			firstBad = i
		}
	}
	if firstBad < 0 {
		return domain.StatusActive, nil
	}

	bad := legs[firstBad]
	rej := &domain.Rejection{Code: domain.ReasonLegNotFilled, Leg: bad.Index, Detail: string(bad.State)}
	if bad.Detail != "" {
		rej.Detail = string(bad.State) + ": " + bad.Detail
	}
	if err := errs[bad.Index]; err != nil {
		rej = domain.Reject(err, bad.Index)
	}
	if !anyFilled {
		return domain.StatusCancelled, rej
	}
	return domain.StatusPartial, rej
}

func entered(l domain.StrategyLeg, minQty float64) bool {
	return l.State == domain.LegFilled && l.FilledQty >= minQty && l.FilledQty > 0
}
