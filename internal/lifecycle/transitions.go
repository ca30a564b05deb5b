// Package lifecycle owns the strategy state machine: the transition table,
// single-writer mutation and write-through persistence.
package lifecycle

import "github.com/alanyoungcy/arbengine/internal/domain"

var transitions = map[domain.StrategyStatus][]domain.StrategyStatus{
	domain.StatusProposed:  {domain.StatusConfirmed, domain.StatusRejected, domain.StatusCancelled},
	domain.StatusConfirmed: {domain.StatusExecuting, domain.StatusCancelled},
	domain.StatusExecuting: {domain.StatusActive, domain.StatusPartial, domain.StatusCancelled},
	domain.StatusPartial:   {domain.StatusCancelled},
	domain.StatusActive:    {domain.StatusClosing, domain.StatusCancelled},
	domain.StatusClosing:   {domain.StatusClosed, domain.StatusCancelled},
}

// rank orders statuses so that no transition can move backwards.
var rank = map[domain.StrategyStatus]int{
	domain.StatusProposed:  0,
	domain.StatusConfirmed: 1,
	domain.StatusExecuting: 2,
	domain.StatusActive:    3,
	domain.StatusPartial:   3,
	domain.StatusClosing:   4,
	domain.StatusRejected:  9,
	domain.StatusCancelled: 9,
	domain.StatusClosed:    9,
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to domain.StrategyStatus) bool {
	if from.Terminal() || rank[to] <= rank[from] {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
